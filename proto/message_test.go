package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_OmitsEmptyGroups(t *testing.T) {
	env := Payload{Measures: []Measure{{DeviceID: "dev-1", Params: []Parameter{{Name: "power", Value: "12"}}}}}.Envelope("proxy-1", 10000)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "proxy-1", raw["proxyId"])
	assert.EqualValues(t, 10000, raw["seq"])
	assert.Contains(t, raw, "measures")
	assert.NotContains(t, raw, "addDevices")
	assert.NotContains(t, raw, "responses")
	assert.NotContains(t, raw, "alerts")
}

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"status check", Envelope{ProxyID: "p", Seq: SeqMin}, false},
		{"missing proxy", Envelope{Seq: SeqMin}, true},
		{"seq below band", Envelope{ProxyID: "p", Seq: SeqMin - 1}, true},
		{"seq above band", Envelope{ProxyID: "p", Seq: SeqMax}, true},
		{"measure without params", Envelope{ProxyID: "p", Seq: SeqMin, Measures: []Measure{{DeviceID: "d"}}}, true},
		{"response without id", Envelope{ProxyID: "p", Seq: SeqMin, Responses: []CommandResponse{{}}}, true},
		{"device without id", Envelope{ProxyID: "p", Seq: SeqMin, AddDevices: []DeviceRegistration{{DeviceType: 1}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPayload_IsEmpty(t *testing.T) {
	assert.True(t, Payload{}.IsEmpty())
	assert.True(t, Payload{Measures: []Measure{}}.IsEmpty())
	assert.False(t, Payload{Alerts: []Alert{{DeviceID: "d", AlertType: "fire"}}}.IsEmpty())
}

func TestCommand_KeepsRawPayload(t *testing.T) {
	body := `{"commands":[{"commandId":"c1","deviceId":"panel","params":[{"name":"breakerStatus","index":"2","value":"0"}],"vendor":{"x":1}}]}`

	var resp PollResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Len(t, resp.Commands, 1)

	cmd := resp.Commands[0]
	assert.Equal(t, "c1", cmd.CommandID)
	assert.Equal(t, "panel", cmd.DeviceID)
	require.Len(t, cmd.Params, 1)
	assert.Equal(t, "breakerStatus_2", cmd.Params[0].Key())

	var raw map[string]any
	require.NoError(t, json.Unmarshal(cmd.Raw, &raw))
	assert.Contains(t, raw, "vendor")
}

func TestCommand_RequiresID(t *testing.T) {
	var resp PollResponse
	err := json.Unmarshal([]byte(`{"commands":[{"deviceId":"x"}]}`), &resp)
	assert.Error(t, err)
}

func TestResultCode_AcceptsLegacyString(t *testing.T) {
	var r CommandResponse
	require.NoError(t, json.Unmarshal([]byte(`{"commandId":"c1","result":"0"}`), &r))
	assert.Equal(t, ResultPending, r.Result)

	require.NoError(t, json.Unmarshal([]byte(`{"commandId":"c1","result":1}`), &r))
	assert.Equal(t, ResultSuccess, r.Result)

	assert.Error(t, json.Unmarshal([]byte(`{"commandId":"c1","result":"done"}`), &r))
}

func TestAcks(t *testing.T) {
	acks := Acks([]Command{{CommandID: "a"}, {CommandID: "b"}})
	assert.Equal(t, []CommandResponse{{CommandID: "a", Result: ResultPending}, {CommandID: "b", Result: ResultPending}}, acks)
}

func TestCommand_LooseFieldTypes(t *testing.T) {
	body := `{"commands":[
		{"commandId":"c1","type":"reboot"},
		{"commandId":"c2","deviceId":42,"type":"7","params":[{"name":"breakerStatus","index":1,"value":0}]},
		{"commandId":"c3","params":"none"}
	]}`

	var resp PollResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.Len(t, resp.Commands, 3)

	assert.Equal(t, "c1", resp.Commands[0].CommandID)
	assert.Zero(t, resp.Commands[0].Type)
	assert.Contains(t, string(resp.Commands[0].Raw), `"reboot"`)

	c2 := resp.Commands[1]
	assert.Equal(t, "42", c2.DeviceID)
	assert.Equal(t, 7, c2.Type)
	require.Len(t, c2.Params, 1)
	assert.Equal(t, Parameter{Name: "breakerStatus", Index: "1", Value: "0"}, c2.Params[0])

	assert.Empty(t, resp.Commands[2].Params)
}

func TestAcks_PlaceholderIsQuoted(t *testing.T) {
	data, err := json.Marshal(Acks([]Command{{CommandID: "c1"}}))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"commandId":"c1","result":"0"}]`, string(data))

	data, err = json.Marshal([]CommandResponse{{CommandID: "c1", Result: ResultSuccess}, {CommandID: "c2", Result: ResultFailure}})
	require.NoError(t, err)
	assert.Equal(t, `[{"commandId":"c1","result":1},{"commandId":"c2","result":2}]`, string(data))
}
