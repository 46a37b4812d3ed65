package device

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mbocsi/deviceio/proto"
)

const ParamBreakerStatus = "breakerStatus"

var ErrUnknownBreaker = errors.New("device: unknown breaker")

// SmartPanel simulates a four-breaker panel paired to a gateway.
type SmartPanel struct {
	id      string
	gateway MeasureSender

	mu       sync.Mutex
	breakers map[string]string
	pending  map[string]proto.Parameter // keyed by Parameter.Key
}

func NewSmartPanel(id string, gateway MeasureSender) *SmartPanel {
	return &SmartPanel{
		id:      id,
		gateway: gateway,
		breakers: map[string]string{
			"0": "1",
			"1": "1",
			"2": "1",
			"3": "1",
		},
		pending: make(map[string]proto.Parameter),
	}
}

func (p *SmartPanel) DeviceID() string { return p.id }

func (p *SmartPanel) DeviceType() int { return TypeSmartPanel }

// Breakers returns a copy of the breaker states by index.
func (p *SmartPanel) Breakers() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.breakers)
}

// SwitchLocally flips a breaker as if done by hand and reports it.
func (p *SmartPanel) SwitchLocally(ctx context.Context, index, value string) error {
	if err := p.setBreaker(index, value); err != nil {
		return err
	}
	return p.FlushMeasures(ctx)
}

func (p *SmartPanel) setBreaker(index, value string) error {
	if value != "0" && value != "1" {
		return fmt.Errorf("invalid breaker value %q", value)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.breakers[index]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBreaker, index)
	}
	p.breakers[index] = value

	param := proto.Parameter{Name: ParamBreakerStatus, Value: value, Index: index}
	p.pending[param.Key()] = param
	return nil
}

// FlushMeasures sends every pending parameter as one measure. Parameters that
// fail to send stay pending unless a newer value replaced them meanwhile.
func (p *SmartPanel) FlushMeasures(ctx context.Context) error {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return nil
	}
	flushed := p.pending
	p.pending = make(map[string]proto.Parameter)
	p.mu.Unlock()

	params := make([]proto.Parameter, 0, len(flushed))
	for _, key := range slices.Sorted(maps.Keys(flushed)) {
		params = append(params, flushed[key])
	}
	measure := proto.Measure{
		DeviceID:  p.id,
		Timestamp: time.Now().UnixMilli(),
		Params:    params,
	}

	if err := p.gateway.SendMeasures(ctx, []proto.Measure{measure}); err != nil {
		p.mu.Lock()
		for key, param := range flushed {
			if _, newer := p.pending[key]; !newer {
				p.pending[key] = param
			}
		}
		p.mu.Unlock()
		return err
	}
	return nil
}

// ExecuteCommands applies breakerStatus parameters. A command succeeds when
// it carries at least one breaker update and all of them apply.
func (p *SmartPanel) ExecuteCommands(ctx context.Context, cmds []proto.Command) ([]proto.CommandResponse, error) {
	responses := make([]proto.CommandResponse, 0, len(cmds))
	for _, cmd := range cmds {
		result := proto.ResultSuccess
		applied := 0
		for _, param := range cmd.Params {
			if param.Name != ParamBreakerStatus {
				continue
			}
			if err := p.setBreaker(param.Index, param.Value); err != nil {
				result = proto.ResultFailure
				continue
			}
			applied++
		}
		if applied == 0 {
			result = proto.ResultFailure
		}
		responses = append(responses, cmd.Respond(result))
	}

	if err := p.FlushMeasures(ctx); err != nil {
		return responses, fmt.Errorf("failed to report breaker states: %w", err)
	}
	return responses, nil
}
