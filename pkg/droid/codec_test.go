package droid

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		assert func(t *testing.T, msg Message)
	}{
		{
			name: "response with result",
			line: `{"jsonrpc":"2.0","factoryApiVersion":"1.0.0","type":"response","id":"s1:1","result":{"sessionId":"abc"}}`,
			assert: func(t *testing.T, msg Message) {
				resp, ok := msg.(*Response)
				require.True(t, ok)
				assert.Equal(t, "s1:1", resp.ID)
				assert.JSONEq(t, `{"sessionId":"abc"}`, string(resp.Result))
				assert.Nil(t, resp.Error)
			},
		},
		{
			name: "response with error and null id",
			line: `{"jsonrpc":"2.0","type":"response","id":null,"error":{"code":-32000,"message":"boom"}}`,
			assert: func(t *testing.T, msg Message) {
				resp, ok := msg.(*Response)
				require.True(t, ok)
				assert.Equal(t, "", resp.ID)
				require.NotNil(t, resp.Error)
				assert.Equal(t, "boom", resp.Error.Message)
			},
		},
		{
			name: "request with numeric id",
			line: `{"jsonrpc":"2.0","type":"request","id":7,"method":"droid.request_permission","params":{}}`,
			assert: func(t *testing.T, msg Message) {
				req, ok := msg.(*Request)
				require.True(t, ok)
				assert.Equal(t, "7", req.IDString())
				assert.Equal(t, "droid.request_permission", req.Method)
			},
		},
		{
			name: "notification",
			line: `{"jsonrpc":"2.0","type":"notification","method":"droid.session_notification","params":{"notification":{"type":"working_state_changed","newState":"idle"}}}`,
			assert: func(t *testing.T, msg Message) {
				n, ok := msg.(*Notification)
				require.True(t, ok)
				assert.Equal(t, "droid.session_notification", n.Method)
			},
		},
		{
			name: "invalid json",
			line: `{bad`,
			assert: func(t *testing.T, msg Message) {
				m, ok := msg.(*Malformed)
				require.True(t, ok)
				assert.Equal(t, `{bad`, m.Raw)
				var perr *ProtocolError
				assert.True(t, errors.As(m.Err, &perr))
			},
		},
		{
			name: "missing discriminator",
			line: `{"jsonrpc":"2.0","id":"1","result":{}}`,
			assert: func(t *testing.T, msg Message) {
				m, ok := msg.(*Malformed)
				require.True(t, ok)
				assert.ErrorIs(t, m.Err, ErrMissingDiscriminator)
			},
		},
		{
			name: "unknown discriminator",
			line: `{"type":"banner"}`,
			assert: func(t *testing.T, msg Message) {
				_, ok := msg.(*Malformed)
				assert.True(t, ok)
			},
		},
		{
			name: "request without method",
			line: `{"type":"request","id":"1"}`,
			assert: func(t *testing.T, msg Message) {
				_, ok := msg.(*Malformed)
				assert.True(t, ok)
			},
		},
		{
			name: "response without id",
			line: `{"type":"response","result":{}}`,
			assert: func(t *testing.T, msg Message) {
				_, ok := msg.(*Malformed)
				assert.True(t, ok)
			},
		},
		{
			name: "json array is malformed, not a panic",
			line: `[1,2,3]`,
			assert: func(t *testing.T, msg Message) {
				_, ok := msg.(*Malformed)
				assert.True(t, ok)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.assert(t, Decode(tt.line))
		})
	}
}

func TestEncoder_Request(t *testing.T) {
	enc := Encoder{}
	data, err := enc.Request("temp:1", "droid.initialize_session", &InitializeSessionParams{
		MachineID: "m-1",
		Cwd:       "/repo",
		ModelID:   "kimi-k2.5",
	})
	require.NoError(t, err)
	require.Equal(t, byte('\n'), data[len(data)-1])

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "2.0", got["jsonrpc"])
	assert.Equal(t, DefaultFactoryAPIVersion, got["factoryApiVersion"])
	assert.Equal(t, TypeRequest, got["type"])
	assert.Equal(t, "temp:1", got["id"])
	assert.Equal(t, "droid.initialize_session", got["method"])
	params := got["params"].(map[string]any)
	assert.Equal(t, "m-1", params["machineId"])
	assert.NotContains(t, params, "sessionId")
}

func TestEncoder_ResponseEchoesRawID(t *testing.T) {
	enc := Encoder{APIVersion: "2.1.0"}
	data, err := enc.Response(json.RawMessage(`42`), &PermissionResult{SelectedOption: "cancel"}, nil)
	require.NoError(t, err)

	msg := Decode(string(data[:len(data)-1]))
	resp, ok := msg.(*Response)
	require.True(t, ok)
	assert.Equal(t, "42", resp.ID)
	assert.JSONEq(t, `{"selectedOption":"cancel"}`, string(resp.Result))
	assert.Contains(t, string(data), `"factoryApiVersion":"2.1.0"`)
}

func TestEncoder_ErrorResponse(t *testing.T) {
	data, err := Encoder{}.Response(json.RawMessage(`"r1"`), nil, &Error{Code: MethodNotFound, Message: "method not found"})
	require.NoError(t, err)

	resp, ok := Decode(string(data)).(*Response)
	require.True(t, ok)
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
	assert.Empty(t, resp.Result)
}

func TestPermissionRequestParams_AcceptsBothOptionShapes(t *testing.T) {
	raw := `{
		"options": ["proceed_once", {"value":"proceed_auto_run","label":"Auto"}, {"id":"cancel"}],
		"toolUses": [{"toolUse":{"id":"t1","name":"ExitSpecification"}}, {"name":"mcp.github.CreateIssue"}, {"toolName":"Bash"}]
	}`
	var p PermissionRequestParams
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	require.Len(t, p.Options, 3)
	assert.Equal(t, "proceed_once", p.Options[0].Value)
	assert.Equal(t, "proceed_auto_run", p.Options[1].Value)
	assert.Equal(t, "Auto", p.Options[1].Label)
	assert.Equal(t, "cancel", p.Options[2].Value)

	require.Len(t, p.ToolUses, 3)
	assert.Equal(t, "ExitSpecification", p.ToolUses[0].Name)
	assert.Equal(t, "t1", p.ToolUses[0].ID)
	assert.Equal(t, "mcp.github.CreateIssue", p.ToolUses[1].Name)
	assert.Equal(t, "Bash", p.ToolUses[2].Name)
}

func TestMethods(t *testing.T) {
	assert.Equal(t, "droid.add_user_message", Methods{}.Name(MethodAddUserMessage))
	assert.Equal(t, "factory.ask_user", Methods{Namespace: "factory"}.Name(MethodAskUser))
	assert.Equal(t, "request_permission", LocalName("droid.request_permission"))
	assert.Equal(t, "ask_user", LocalName("ask_user"))
}
