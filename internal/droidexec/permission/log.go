package permission

import (
	"sync"
	"time"
)

// Event records one permission decision.
type Event struct {
	RequestID      string         `json:"request_id" yaml:"request_id"`
	SessionID      string         `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	ToolNames      []string       `json:"tool_names" yaml:"tool_names"`
	Options        []string       `json:"options" yaml:"options"`
	Selected       string         `json:"selected" yaml:"selected"`
	ExitSpec       bool           `json:"exit_spec" yaml:"exit_spec"`
	UpdateStrategy UpdateStrategy `json:"update_strategy" yaml:"update_strategy"`
	At             time.Time      `json:"at" yaml:"at"`
}

// Log is an append-only, ordered list of permission events.
type Log struct {
	mu     sync.Mutex
	events []Event
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{}
}

func (l *Log) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

// Events returns a snapshot in append order.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
