// Package droid provides the wire types, framing and decoding for the droid
// exec stream-jsonrpc protocol. The protocol is JSON-RPC 2.0 over
// newline-delimited stdio, extended with a "factoryApiVersion" field and an
// explicit "type" discriminator on every envelope.
package droid

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol constants.
const (
	JSONRPCVersion           = "2.0"
	DefaultFactoryAPIVersion = "1.0.0"
	DefaultNamespace         = "droid"
)

// Envelope type discriminators.
const (
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeNotification = "notification"
)

// Method names, without namespace. Use Methods to build the wire name.
const (
	MethodInitializeSession     = "initialize_session"
	MethodLoadSession           = "load_session"
	MethodAddUserMessage        = "add_user_message"
	MethodUpdateSessionSettings = "update_session_settings"
	MethodRequestPermission     = "request_permission"
	MethodAskUser               = "ask_user"
	MethodSessionNotification   = "session_notification"
)

// Session notification types carried in session_notification params.
const (
	NotifyWorkingStateChanged      = "working_state_changed"
	NotifyDroidWorkingStateChanged = "droid_working_state_changed"
	NotifyAssistantTextDelta       = "assistant_text_delta"
	NotifySessionIDChanged         = "session_id_changed"
	NotifyError                    = "error"
)

// WorkingStateIdle is the only working state that means the agent is not busy.
const WorkingStateIdle = "idle"

// Well-known permission option values.
const (
	OptionProceedOnce    = "proceed_once"
	OptionProceedAutoRun = "proceed_auto_run"
	OptionCancel         = "cancel"
)

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Methods builds namespaced method names, e.g. "droid.add_user_message".
type Methods struct {
	Namespace string
}

// Name returns the wire name for a bare method.
func (m Methods) Name(method string) string {
	ns := m.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + "." + method
}

// LocalName strips the namespace from a wire method name.
func LocalName(method string) string {
	if i := strings.LastIndexByte(method, '.'); i >= 0 {
		return method[i+1:]
	}
	return method
}

// Error represents a JSON-RPC error object. It doubles as the Go error
// returned when a response carries an application error.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// envelope is the superset of all three message shapes as they appear on the wire.
type envelope struct {
	JSONRPC           string          `json:"jsonrpc"`
	FactoryAPIVersion string          `json:"factoryApiVersion,omitempty"`
	Type              string          `json:"type"`
	ID                json.RawMessage `json:"id,omitempty"`
	Method            string          `json:"method,omitempty"`
	Params            json.RawMessage `json:"params,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             *Error          `json:"error,omitempty"`
}

// InitializeSessionParams for initialize_session
type InitializeSessionParams struct {
	MachineID     string `json:"machineId"`
	Cwd           string `json:"cwd"`
	SessionID     string `json:"sessionId,omitempty"`
	ModelID       string `json:"modelId,omitempty"`
	AutonomyLevel string `json:"autonomyLevel,omitempty"`
}

// InitializeSessionResult from initialize_session
type InitializeSessionResult struct {
	SessionID string `json:"sessionId"`
}

// LoadSessionParams for load_session
type LoadSessionParams struct {
	SessionID string `json:"sessionId"`
}

// AddUserMessageParams for add_user_message
type AddUserMessageParams struct {
	Text string `json:"text"`
}

// UpdateSessionSettingsParams for update_session_settings
type UpdateSessionSettingsParams struct {
	AutonomyLevel string `json:"autonomyLevel,omitempty"`
	ModelID       string `json:"modelId,omitempty"`
}

// PermissionRequestParams is the params object of request_permission.
type PermissionRequestParams struct {
	Options  []PermissionOption `json:"options"`
	ToolUses []ToolUse          `json:"toolUses"`
}

// PermissionOption is one choice offered by a permission request. The agent
// sends either a bare string or an object; both decode to Value.
type PermissionOption struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

func (o *PermissionOption) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		o.Value = s
		return nil
	}
	var obj struct {
		Value    string `json:"value"`
		ID       string `json:"id"`
		OptionID string `json:"optionId"`
		Label    string `json:"label"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("permission option: %w", err)
	}
	o.Value = firstNonEmpty(obj.Value, obj.ID, obj.OptionID)
	o.Label = obj.Label
	return nil
}

// ToolUse describes a pending tool invocation. Name is the tool's declared
// name, possibly dotted (e.g. "mcp.github.CreateIssue").
type ToolUse struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

func (t *ToolUse) UnmarshalJSON(data []byte) error {
	var obj struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		ToolName string `json:"toolName"`
		ToolUse  *struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"toolUse"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tool use: %w", err)
	}
	t.ID = obj.ID
	t.Name = firstNonEmpty(obj.Name, obj.ToolName)
	if obj.ToolUse != nil {
		if t.Name == "" {
			t.Name = obj.ToolUse.Name
		}
		if t.ID == "" {
			t.ID = obj.ToolUse.ID
		}
	}
	return nil
}

// PermissionResult is the result sent back for request_permission.
type PermissionResult struct {
	SelectedOption string `json:"selectedOption"`
}

// AskUserResult is the result sent back for ask_user.
type AskUserResult struct {
	Cancelled bool            `json:"cancelled"`
	Answers   []AskUserAnswer `json:"answers"`
}

// AskUserAnswer is one answer to an ask_user question.
type AskUserAnswer struct {
	QuestionID string `json:"questionId,omitempty"`
	Answer     string `json:"answer"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
