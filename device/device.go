// Package device models the local devices a gateway relays to the deviceio
// service.
package device

import (
	"context"
	"errors"

	"github.com/mbocsi/deviceio/proto"
)

const (
	TypeGateway    = 4130
	TypeSmartPanel = 4133
)

var (
	ErrNotAttached   = errors.New("device: gateway is not attached to a client")
	ErrUnknownDevice = errors.New("device: unknown device")
)

// Device is anything the gateway can pair and route commands to.
type Device interface {
	DeviceID() string
	DeviceType() int

	// FlushMeasures sends pending parameter updates, if any.
	FlushMeasures(ctx context.Context) error

	// ExecuteCommands applies commands and returns one final response per command.
	ExecuteCommands(ctx context.Context, cmds []proto.Command) ([]proto.CommandResponse, error)
}

// Sender is the outbound half of client.Client.
type Sender interface {
	Send(ctx context.Context, p proto.Payload) error
}

// MeasureSender is what a paired device needs from its gateway.
type MeasureSender interface {
	SendMeasures(ctx context.Context, measures []proto.Measure) error
}

func registration(d Device) proto.DeviceRegistration {
	return proto.DeviceRegistration{DeviceID: d.DeviceID(), DeviceType: d.DeviceType()}
}
