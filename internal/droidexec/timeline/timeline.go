// Package timeline records an append-only, monotonically sequenced log of
// everything significant that happens while driving a droid process.
package timeline

import (
	"sync"
	"time"

	"github.com/kandev/droidctl/internal/common/clock"
)

// Kind classifies a timeline entry.
type Kind string

const (
	KindSessionStarted     Kind = "session_started"
	KindRequestSent        Kind = "request_sent"
	KindResponseReceived   Kind = "response_received"
	KindResponseUnmatched  Kind = "response_unmatched"
	KindRequestTimeout     Kind = "request_timeout"
	KindRequestReceived    Kind = "request_received"
	KindPermissionResolved Kind = "permission_resolved"
	KindAskUserDeclined    Kind = "ask_user_declined"
	KindSettingsUpdated    Kind = "settings_updated"
	KindSettingsFailed     Kind = "settings_update_failed"
	KindHandlerError       Kind = "handler_error"
	KindNotification       Kind = "notification"
	KindStateChange        Kind = "state_change"
	KindTurnComplete       Kind = "turn_complete"
	KindRekey              Kind = "rekey"
	KindProtocolError      Kind = "protocol_error"
	KindProcessError       Kind = "process_error"
	KindClose              Kind = "close"
	KindRunTimeout         Kind = "run_timeout"
	KindDisposed           Kind = "disposed"
)

// Entry is one immutable timeline record.
type Entry struct {
	Seq       uint64            `json:"seq" yaml:"seq"`
	At        time.Time         `json:"at" yaml:"at"`
	Kind      Kind              `json:"kind" yaml:"kind"`
	SessionID string            `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Method    string            `json:"method,omitempty" yaml:"method,omitempty"`
	RequestID string            `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Detail    string            `json:"detail,omitempty" yaml:"detail,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// Timeline is safe for concurrent use.
type Timeline struct {
	clock clock.Clock

	mu      sync.Mutex
	next    uint64
	entries []Entry
}

// New creates an empty timeline stamped by c.
func New(c clock.Clock) *Timeline {
	if c == nil {
		c = clock.Real{}
	}
	return &Timeline{clock: c}
}

// Append assigns the next sequence number and timestamp to e, stores it and
// returns the stored copy.
func (t *Timeline) Append(e Entry) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	e.Seq = t.next
	e.At = t.clock.Now()
	if len(e.Attrs) > 0 {
		attrs := make(map[string]string, len(e.Attrs))
		for k, v := range e.Attrs {
			attrs[k] = v
		}
		e.Attrs = attrs
	}
	t.entries = append(t.entries, e)
	return e
}

// Entries returns a snapshot of all entries in sequence order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of recorded entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Filter returns the entries of the given kinds, in order.
func (t *Timeline) Filter(kinds ...Kind) []Entry {
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for _, e := range t.entries {
		if want[e.Kind] {
			out = append(out, e)
		}
	}
	return out
}
