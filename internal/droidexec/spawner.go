package droidexec

import (
	"strings"

	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/droidexec/process"
)

// Process is the running droid as seen by a session. *process.Session
// implements it.
type Process interface {
	Write(p []byte) error
	Output() <-chan []byte
	Events() <-chan process.Event
	Terminate()
	RecentStderr() []string
}

// Spawner launches droid processes.
type Spawner interface {
	Spawn(spec process.Spec) (Process, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(spec process.Spec) (Process, error)

func (f SpawnFunc) Spawn(spec process.Spec) (Process, error) { return f(spec) }

// ProcessSpawner starts real child processes.
type ProcessSpawner struct {
	Options process.Options
}

func (p ProcessSpawner) Spawn(spec process.Spec) (Process, error) {
	s, err := process.Start(spec, p.Options)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newProcessSpawner(cfg Config, log *logger.Logger) ProcessSpawner {
	return ProcessSpawner{Options: process.Options{
		GracePeriod: cfg.TerminateGrace,
		StderrLines: cfg.StderrLines,
		Logger:      log,
	}}
}

// BuildArgs returns the droid exec arguments for a session.
func BuildArgs(cwd, model, autonomyLevel string) []string {
	args := []string{
		"exec",
		"--input-format", protocolFormatValue,
		"--output-format", protocolFormatValue,
		"--cwd", cwd,
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if level := strings.TrimPrefix(autonomyLevel, "auto-"); level != "" {
		args = append(args, "--auto", level)
	}
	return args
}
