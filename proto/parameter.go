package proto

import (
	"errors"
	"fmt"
	"strings"
)

// Parameter is a single named device value.
type Parameter struct {
	Name       string `json:"name"`                 // e.g. "breakerStatus"
	Value      string `json:"value"`                // always sent as a string
	Index      string `json:"index,omitempty"`      // channel/slot for multi-valued parameters
	Durational *bool  `json:"durational,omitempty"` // value accumulates over time
	Unit       string `json:"unit,omitempty"`
	Multiplier string `json:"multiplier,omitempty"`
}

// Key identifies the parameter within one device; a later update with the same
// key supersedes an earlier one.
func (p Parameter) Key() string {
	if p.Index != "" {
		return p.Name + "_" + p.Index
	}
	return p.Name
}

func (p *Parameter) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("parameter name is required")
	}
	return nil
}

// Measure groups parameter updates of one device.
type Measure struct {
	DeviceID  string      `json:"deviceId"`
	Timestamp int64       `json:"timestamp,omitempty"` // unix millis
	Params    []Parameter `json:"params"`
}

func (m *Measure) Validate() error {
	if strings.TrimSpace(m.DeviceID) == "" {
		return errors.New("measure deviceId is required")
	}
	if len(m.Params) == 0 {
		return fmt.Errorf("measure for %q has no params", m.DeviceID)
	}
	for i := range m.Params {
		if err := m.Params[i].Validate(); err != nil {
			return fmt.Errorf("params[%d]: %w", i, err)
		}
	}
	return nil
}

type DeviceRegistration struct {
	DeviceID   string `json:"deviceId"`
	DeviceType int    `json:"deviceType"`
}

type Alert struct {
	DeviceID  string      `json:"deviceId"`
	AlertType string      `json:"alertType"`
	Timestamp int64       `json:"timestamp,omitempty"`
	Params    []Parameter `json:"params,omitempty"`
}
