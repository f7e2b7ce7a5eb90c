// Package turn detects when a conversational turn has completed from the
// droid's working-state notifications.
package turn

import (
	"sync"

	"github.com/kandev/droidctl/pkg/droid"
)

// State is the agent's observed working state.
type State int

const (
	StateUnknown State = iota
	StateBusy
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateBusy:
		return "busy"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Reason is why a turn finished.
type Reason string

const (
	ReasonTurnIdle     Reason = "turn-idle"
	ReasonProcessClose Reason = "process-close"
	ReasonProcessError Reason = "process-error"
	ReasonTimeout      Reason = "timeout"
)

// Tracker follows one turn. A turn completes on the first idle state seen
// after at least one busy state; an agent already idle when observation
// starts has not completed anything.
type Tracker struct {
	mu     sync.Mutex
	state  State
	reason Reason
	done   chan struct{}
}

// New creates a tracker in the unknown state.
func New() *Tracker {
	return &Tracker{done: make(chan struct{})}
}

// Observe applies a working-state value. It returns the state before and
// after, and whether this observation moved the agent from busy to idle.
// Observe never finishes the turn; the owner of the turn decides that with
// Finish.
func (t *Tracker) Observe(workingState string) (from, to State, idled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from = t.state
	if workingState == droid.WorkingStateIdle {
		t.state = StateIdle
	} else {
		t.state = StateBusy
	}
	return from, t.state, from == StateBusy && t.state == StateIdle
}

// Finish ends the turn with reason. Only the first call wins; it reports
// whether this call did.
func (t *Tracker) Finish(reason Reason) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason != "" {
		return false
	}
	t.reason = reason
	close(t.done)
	return true
}

// Done is closed when the turn finishes.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Reason returns the finish reason, or "" while the turn is still running.
func (t *Tracker) Reason() Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// State returns the current working state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
