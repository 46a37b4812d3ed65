package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Status values returned by the deviceio service on POST /mljson.
const (
	StatusUnauthorized = "UNAUTHORIZED"
	StatusUnknown      = "UNKNOWN"
	StatusAck          = "ACK"
)

// Sequence number band shared by every outbound envelope.
const (
	SeqMin = 10000
	SeqMax = 100000 // exclusive
)

// Envelope is one outbound POST /mljson body.
type Envelope struct {
	ProxyID    string               `json:"proxyId"`
	Seq        int                  `json:"seq"`
	Measures   []Measure            `json:"measures,omitempty"`
	AddDevices []DeviceRegistration `json:"addDevices,omitempty"`
	Responses  []CommandResponse    `json:"responses,omitempty"`
	Alerts     []Alert              `json:"alerts,omitempty"`
}

// Payload holds the optional groups a caller hands to Client.Send.
type Payload struct {
	Measures   []Measure
	AddDevices []DeviceRegistration
	Responses  []CommandResponse
	Alerts     []Alert
}

func (p Payload) IsEmpty() bool {
	return len(p.Measures) == 0 && len(p.AddDevices) == 0 && len(p.Responses) == 0 && len(p.Alerts) == 0
}

// Envelope stamps the payload with an identity and sequence number.
func (p Payload) Envelope(proxyID string, seq int) Envelope {
	return Envelope{
		ProxyID:    proxyID,
		Seq:        seq,
		Measures:   p.Measures,
		AddDevices: p.AddDevices,
		Responses:  p.Responses,
		Alerts:     p.Alerts,
	}
}

// IsStatusCheck reports whether the envelope carries no optional group.
func (e *Envelope) IsStatusCheck() bool {
	return len(e.Measures) == 0 && len(e.AddDevices) == 0 && len(e.Responses) == 0 && len(e.Alerts) == 0
}

func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.ProxyID) == "" {
		return errors.New("envelope proxyId is required")
	}
	if e.Seq < SeqMin || e.Seq >= SeqMax {
		return fmt.Errorf("envelope seq %d outside [%d, %d)", e.Seq, SeqMin, SeqMax)
	}
	for i := range e.Measures {
		if err := e.Measures[i].Validate(); err != nil {
			return fmt.Errorf("measures[%d]: %w", i, err)
		}
	}
	for i, d := range e.AddDevices {
		if strings.TrimSpace(d.DeviceID) == "" {
			return fmt.Errorf("addDevices[%d]: deviceId is required", i)
		}
	}
	for i, r := range e.Responses {
		if strings.TrimSpace(r.CommandID) == "" {
			return fmt.Errorf("responses[%d]: commandId is required", i)
		}
	}
	return nil
}

// StatusResponse is the body returned for any POST /mljson.
type StatusResponse struct {
	Status    string `json:"status,omitempty"`
	AuthToken string `json:"authToken,omitempty"`
}

// PollResponse is a non-empty body returned by the long-poll GET.
type PollResponse struct {
	Commands []Command `json:"commands"`
}

// Command is one inbound command. Raw keeps the full JSON object as sent by
// the server so device code can read fields this package does not model.
//
// Only commandId is required. The typed fields are filled when their JSON
// shape allows it and left zero otherwise, so one unusual command never
// spoils the batch it arrives in.
type Command struct {
	CommandID string          `json:"commandId"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Type      int             `json:"type,omitempty"`
	Params    []Parameter     `json:"params,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("command is not a JSON object: %w", err)
	}
	id, ok := scalarString(fields["commandId"])
	if !ok || strings.TrimSpace(id) == "" {
		return errors.New("command without commandId")
	}

	cmd := Command{CommandID: id, Raw: append(json.RawMessage(nil), data...)}
	cmd.DeviceID, _ = scalarString(fields["deviceId"])
	if s, ok := scalarString(fields["type"]); ok {
		if n, err := strconv.Atoi(s); err == nil {
			cmd.Type = n
		}
	}
	var params []map[string]json.RawMessage
	if json.Unmarshal(fields["params"], &params) == nil {
		for _, p := range params {
			var param Parameter
			param.Name, _ = scalarString(p["name"])
			param.Index, _ = scalarString(p["index"])
			param.Value, _ = scalarString(p["value"])
			cmd.Params = append(cmd.Params, param)
		}
	}
	*c = cmd
	return nil
}

// scalarString returns a JSON string, number or bool as text.
func scalarString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	switch v := v.(type) {
	case string:
		return v, true
	case float64:
		return string(bytes.TrimSpace(raw)), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}

// Respond builds the response for this command.
func (c Command) Respond(result ResultCode) CommandResponse {
	return CommandResponse{CommandID: c.CommandID, Result: result}
}

// ResultCode is the integer result reported for a command.
type ResultCode int

const (
	ResultPending ResultCode = 0 // placeholder sent with the immediate ack
	ResultSuccess ResultCode = 1
	ResultFailure ResultCode = 2
)

// MarshalJSON writes the placeholder as the string "0" and final results as
// plain integers, which is what the service expects.
func (r ResultCode) MarshalJSON() ([]byte, error) {
	if r == ResultPending {
		return []byte(`"0"`), nil
	}
	return []byte(strconv.Itoa(int(r))), nil
}

// UnmarshalJSON accepts both 1 and "1".
func (r *ResultCode) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*r = ResultPending
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid result code %s", data)
	}
	*r = ResultCode(n)
	return nil
}

type CommandResponse struct {
	CommandID string     `json:"commandId"`
	Result    ResultCode `json:"result"`
}

// Acks returns one placeholder response per command.
func Acks(cmds []Command) []CommandResponse {
	responses := make([]CommandResponse, 0, len(cmds))
	for _, cmd := range cmds {
		responses = append(responses, cmd.Respond(ResultPending))
	}
	return responses
}
