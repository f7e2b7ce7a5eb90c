// Package ids generates identifiers for sessions and machines.
package ids

import "github.com/google/uuid"

// Generator produces opaque unique identifiers.
type Generator interface {
	NewID() string
}

// UUID generates random (v4) UUID strings.
type UUID struct{}

func (UUID) NewID() string { return uuid.New().String() }

// Func adapts a plain function to Generator.
type Func func() string

func (f Func) NewID() string { return f() }

// MachineID returns a stable identifier for this host when configured is
// empty. It derives a name-based UUID from the hostname so restarts on the
// same machine reuse the same id.
func MachineID(configured, hostname string) string {
	if configured != "" {
		return configured
	}
	if hostname == "" {
		return uuid.New().String()
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte("droidctl."+hostname)).String()
}
