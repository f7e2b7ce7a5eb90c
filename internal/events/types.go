// Package events mirrors exec events onto the configured event bus.
package events

import (
	"strings"

	"github.com/kandev/droidctl/internal/droidexec"
)

// DefaultSubjectPrefix is used when the NATS config leaves it empty.
const DefaultSubjectPrefix = "droidctl"

// Subject returns the bus subject for an exec event type, e.g.
// "droidctl.session.started".
func Subject(prefix string, t droidexec.EventType) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(t)
}

// AllSubjects matches every subject published under prefix.
func AllSubjects(prefix string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + ".>"
}
