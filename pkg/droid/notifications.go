package droid

import (
	"encoding/json"
	"fmt"
)

// SessionEvent is the decoded payload of a session_notification: one of
// *WorkingStateChanged, *AssistantTextDelta, *SessionIDChanged, *AgentError
// or *OpaqueSessionEvent.
type SessionEvent interface {
	NotificationType() string
}

// WorkingStateChanged reports the agent's new working state ("idle" or one
// of several busy states).
type WorkingStateChanged struct {
	Type     string
	NewState string
}

// AssistantTextDelta carries a fragment of streamed assistant text.
type AssistantTextDelta struct {
	MessageID string
	TextDelta string
}

// SessionIDChanged reports that the agent replaced the session identifier.
type SessionIDChanged struct {
	OldSessionID string
	NewSessionID string
	Reason       string
}

// AgentError is an error surfaced by the agent inside the session stream.
type AgentError struct {
	Message string
}

// OpaqueSessionEvent is any notification type this package does not model.
type OpaqueSessionEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e *WorkingStateChanged) NotificationType() string { return e.Type }
func (*AssistantTextDelta) NotificationType() string    { return NotifyAssistantTextDelta }
func (*SessionIDChanged) NotificationType() string      { return NotifySessionIDChanged }
func (*AgentError) NotificationType() string            { return NotifyError }
func (e *OpaqueSessionEvent) NotificationType() string  { return e.Type }

// IsIdle reports whether the new state is the idle state.
func (e *WorkingStateChanged) IsIdle() bool { return e.NewState == WorkingStateIdle }

// SessionNotificationParams is the params object of session_notification.
type SessionNotificationParams struct {
	SessionID    string          `json:"sessionId,omitempty"`
	Notification json.RawMessage `json:"notification"`
}

// DecodeSessionNotification validates a session_notification params object
// and returns the typed event it carries.
func DecodeSessionNotification(params json.RawMessage) (sessionID string, ev SessionEvent, err error) {
	var p SessionNotificationParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", nil, &ProtocolError{Reason: "invalid session_notification params", Err: err}
	}
	if len(p.Notification) == 0 {
		return p.SessionID, nil, &ProtocolError{Reason: "session_notification without notification"}
	}

	var n struct {
		Type         string `json:"type"`
		NewState     string `json:"newState"`
		MessageID    string `json:"messageId"`
		TextDelta    string `json:"textDelta"`
		OldSessionID string `json:"oldSessionId"`
		NewSessionID string `json:"newSessionId"`
		Reason       string `json:"reason"`
		Message      string `json:"message"`
	}
	if err := json.Unmarshal(p.Notification, &n); err != nil {
		return p.SessionID, nil, &ProtocolError{Reason: "invalid notification object", Err: err}
	}

	switch n.Type {
	case NotifyWorkingStateChanged, NotifyDroidWorkingStateChanged:
		if n.NewState == "" {
			return p.SessionID, nil, &ProtocolError{Reason: n.Type + " without newState"}
		}
		return p.SessionID, &WorkingStateChanged{Type: n.Type, NewState: n.NewState}, nil
	case NotifyAssistantTextDelta:
		return p.SessionID, &AssistantTextDelta{MessageID: n.MessageID, TextDelta: n.TextDelta}, nil
	case NotifySessionIDChanged:
		if n.OldSessionID == "" || n.NewSessionID == "" {
			return p.SessionID, nil, &ProtocolError{Reason: fmt.Sprintf("%s requires oldSessionId and newSessionId", n.Type)}
		}
		return p.SessionID, &SessionIDChanged{OldSessionID: n.OldSessionID, NewSessionID: n.NewSessionID, Reason: n.Reason}, nil
	case NotifyError:
		return p.SessionID, &AgentError{Message: n.Message}, nil
	case "":
		return p.SessionID, nil, &ProtocolError{Reason: "notification without type", Err: ErrMissingDiscriminator}
	default:
		return p.SessionID, &OpaqueSessionEvent{Type: n.Type, Raw: p.Notification}, nil
	}
}
