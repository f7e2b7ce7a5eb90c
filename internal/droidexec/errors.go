package droidexec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kandev/droidctl/internal/droidexec/correlator"
)

var (
	// ErrMissingAPIKey is returned by Send when the credential environment
	// variable is unset. No process is started.
	ErrMissingAPIKey = errors.New("droid API key not set")
	// ErrTurnInProgress is returned by Send while the session still has an
	// unfinished run.
	ErrTurnInProgress = errors.New("a turn is already in progress for this session")
	// ErrManagerClosed is returned once Close has been called.
	ErrManagerClosed = errors.New("exec manager closed")
	// ErrUnknownSession is returned when an id matches no live session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionEnded rejects requests pending when a session goes away.
	ErrSessionEnded = correlator.ErrSessionEnded
)

// ProcessExitError describes how the droid process ended.
type ProcessExitError struct {
	ExitCode int
	Signal   string
	// Stderr holds the last lines the process wrote to stderr.
	Stderr []string
	Err    error
}

func (e *ProcessExitError) Error() string {
	var b strings.Builder
	if e.Signal != "" {
		fmt.Fprintf(&b, "droid process killed by %s", e.Signal)
	} else {
		fmt.Fprintf(&b, "droid process exited with code %d", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if n := len(e.Stderr); n > 0 {
		fmt.Fprintf(&b, " (stderr: %s)", e.Stderr[n-1])
	}
	return b.String()
}

func (e *ProcessExitError) Unwrap() error { return e.Err }
