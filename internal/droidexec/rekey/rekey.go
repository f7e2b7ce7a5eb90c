// Package rekey tracks a session's identity as the droid replaces its id
// mid-session.
package rekey

import "sync"

// Change is one recorded identity replacement.
type Change struct {
	Old    string `json:"old" yaml:"old"`
	New    string `json:"new" yaml:"new"`
	Reason string `json:"reason" yaml:"reason"`
}

// Tracker maps every id a session has ever had to its current id.
type Tracker struct {
	mu       sync.Mutex
	active   string
	aliases  map[string]string
	disposed map[string]bool
	history  []Change
}

// New starts tracking a session known as initial.
func New(initial string) *Tracker {
	return &Tracker{
		active:   initial,
		aliases:  make(map[string]string),
		disposed: make(map[string]bool),
	}
}

// Active returns the current session id.
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Rekey makes newID the active identity, superseding oldID. It reports
// whether oldID should now be disposed, which is true at most once per id.
// A no-op change (empty or identical ids) reports false.
func (t *Tracker) Rekey(oldID, newID, reason string) (disposeOld bool) {
	if oldID == "" || newID == "" || oldID == newID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.aliases[oldID] = newID
	// The new id is terminal; drop any stale alias so the chain cannot loop.
	delete(t.aliases, newID)
	t.active = newID
	t.history = append(t.history, Change{Old: oldID, New: newID, Reason: reason})

	if t.disposed[oldID] {
		return false
	}
	t.disposed[oldID] = true
	return true
}

// Resolve follows the replacement chain from id to its current identity.
// Unknown ids resolve to themselves.
func (t *Tracker) Resolve(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	for !seen[id] {
		seen[id] = true
		next, ok := t.aliases[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

// Known reports whether id is the active id or one it superseded.
func (t *Tracker) Known(id string) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == t.active {
		return true
	}
	_, ok := t.aliases[id]
	return ok
}

// History returns every change in order.
func (t *Tracker) History() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Change, len(t.history))
	copy(out, t.history)
	return out
}
