package correlator

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionEnded rejects every request still pending when the session shuts
// down, and every request issued afterwards.
var ErrSessionEnded = errors.New("session ended")

// TimeoutError is returned when no response arrives within the deadline.
type TimeoutError struct {
	Method  string
	ID      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s (%s) timed out after %s", e.ID, e.Method, e.Timeout)
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
