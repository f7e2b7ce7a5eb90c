package droidexec

import (
	"context"
	"strings"
	"sync"

	"github.com/kandev/droidctl/internal/common/clock"
	"github.com/kandev/droidctl/internal/droidexec/turn"
)

// Run is one user message and the agent turn it triggers.
type Run struct {
	session *session
	turn    *turn.Tracker
	timer   clock.Timer

	mu   sync.Mutex
	text strings.Builder
}

// Done is closed when the run finishes for any reason.
func (r *Run) Done() <-chan struct{} {
	return r.turn.Done()
}

// Reason returns the finish reason, or "" while running.
func (r *Run) Reason() turn.Reason {
	return r.turn.Reason()
}

// Wait blocks until the run finishes or ctx ends.
func (r *Run) Wait(ctx context.Context) (turn.Reason, error) {
	select {
	case <-r.turn.Done():
		return r.turn.Reason(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SessionID returns the session's current identity, following rekeys.
func (r *Run) SessionID() string {
	return r.session.ids.Active()
}

// Text returns the assistant text streamed during this run so far.
func (r *Run) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String()
}

func (r *Run) appendText(delta string) {
	r.mu.Lock()
	r.text.WriteString(delta)
	r.mu.Unlock()
}
