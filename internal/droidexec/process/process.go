// Package process owns the droid child process: spawning it with piped
// stdio, streaming its output, and tearing it down exactly once.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kandev/droidctl/internal/common/logger"
	"go.uber.org/zap"
)

// Default tuning values.
const (
	DefaultGracePeriod  = 3 * time.Second
	DefaultOutputBuffer = 64
	DefaultStderrLines  = 50

	readChunkSize = 32 * 1024
)

// Spec describes the command to launch.
type Spec struct {
	Command string
	Args    []string
	// Env is the complete environment. Nil inherits the current process env.
	Env []string
	Dir string
}

// Options tunes a Session.
type Options struct {
	GracePeriod  time.Duration
	OutputBuffer int
	StderrLines  int
	Logger       *logger.Logger
}

// SpawnError is returned when the executable cannot be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// EventKind distinguishes process lifecycle events.
type EventKind int

const (
	// EventError reports a runtime I/O failure on one of the pipes.
	EventError EventKind = iota
	// EventExit reports that the process exited and was reaped.
	EventExit
)

// Event is a process lifecycle event.
type Event struct {
	Kind     EventKind
	ExitCode int
	Signal   string
	Err      error
}

// Session is a running child process.
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *logger.Logger
	grace  time.Duration

	output  chan []byte
	events  chan Event
	done    chan struct{}
	abandon chan struct{}
	stderr  *lineRing

	writeMu  sync.Mutex
	writable atomic.Bool

	terminateOnce sync.Once
	abandonOnce   sync.Once

	// Set before done is closed.
	exit Event
}

// Start launches spec with stdin, stdout and stderr pipes.
func Start(spec Spec, opts Options) (*Session, error) {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = DefaultOutputBuffer
	}
	if opts.StderrLines <= 0 {
		opts.StderrLines = DefaultStderrLines
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	s := &Session{
		cmd:     cmd,
		stdin:   stdin,
		logger:  log.WithFields(zap.String("component", "droid-process"), zap.Int("pid", cmd.Process.Pid)),
		grace:   opts.GracePeriod,
		output:  make(chan []byte, opts.OutputBuffer),
		events:  make(chan Event, 8),
		done:    make(chan struct{}),
		abandon: make(chan struct{}),
		stderr:  newLineRing(opts.StderrLines),
	}
	s.writable.Store(true)

	s.logger.Info("droid process started",
		zap.String("command", spec.Command),
		zap.Strings("args", spec.Args),
		zap.String("dir", spec.Dir))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		s.readStderr(stderr)
	}()

	// Wait only after both pipes are drained; cmd.Wait closes them.
	go func() {
		readers.Wait()
		s.wait()
	}()

	return s, nil
}

// Pid returns the OS process id.
func (s *Session) Pid() int {
	return s.cmd.Process.Pid
}

// Output delivers stdout chunks in order. It is closed at EOF, before the
// exit event is published.
func (s *Session) Output() <-chan []byte {
	return s.output
}

// Events delivers EventError events followed by exactly one EventExit.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed once the process has exited and been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitEvent returns the exit event. Only meaningful after Done is closed.
func (s *Session) ExitEvent() Event {
	<-s.done
	return s.exit
}

// RecentStderr returns the last captured stderr lines.
func (s *Session) RecentStderr() []string {
	return s.stderr.Lines()
}

// Write sends p to the process stdin. Once stdin is closed or broken the
// call is a silent no-op.
func (s *Session) Write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.writable.Load() {
		return nil
	}
	if _, err := s.stdin.Write(p); err != nil {
		s.writable.Store(false)
		if errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) {
			s.logger.Debug("stdin no longer writable", zap.Error(err))
			return nil
		}
		s.emitError(fmt.Errorf("write stdin: %w", err))
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Terminate closes stdin, asks the process group to exit, escalates to a
// kill after the grace period, and waits until the process is reaped. Only
// the first call has any effect; every call returns after the process is gone.
func (s *Session) Terminate() {
	s.terminateOnce.Do(func() {
		// Closing unblocks a writer stuck on a full pipe, so writeMu is
		// not taken here.
		s.writable.Store(false)
		_ = s.stdin.Close()

		select {
		case <-s.done:
			return
		default:
		}

		s.logger.Info("terminating droid process")
		if err := terminateProcess(s.cmd.Process); err != nil {
			s.logger.Debug("graceful terminate failed", zap.Error(err))
		}

		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-s.done:
			return
		case <-timer.C:
		}

		s.logger.Warn("droid process did not exit in time, killing", zap.Duration("grace", s.grace))
		// Nobody is consuming output any more; unblock the reader so the
		// process can be reaped.
		s.stopDelivering()
		if err := killProcess(s.cmd.Process); err != nil {
			s.logger.Debug("kill failed", zap.Error(err))
		}
	})
	<-s.done
}

// stopDelivering makes the stdout reader discard instead of blocking on a
// full output channel.
func (s *Session) stopDelivering() {
	s.abandonOnce.Do(func() { close(s.abandon) })
}

func (s *Session) readStdout(r io.Reader) {
	defer close(s.output)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.output <- chunk:
			case <-s.abandon:
			}
		}
		if err != nil {
			if !isClosedErr(err) {
				s.emitError(fmt.Errorf("read stdout: %w", err))
			}
			return
		}
	}
}

func (s *Session) readStderr(r io.Reader) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range s.stderr.Write(buf[:n]) {
				s.logger.Debug("droid stderr", zap.String("line", line))
			}
		}
		if err != nil {
			if !isClosedErr(err) {
				s.emitError(fmt.Errorf("read stderr: %w", err))
			}
			s.stderr.Flush()
			return
		}
	}
}

func (s *Session) wait() {
	err := s.cmd.Wait()
	code, signal := exitInfo(s.cmd, err)
	ev := Event{Kind: EventExit, ExitCode: code, Signal: signal}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			ev.Err = err
		}
	}

	s.writable.Store(false)

	s.logger.Info("droid process exited",
		zap.Int("exit_code", code),
		zap.String("signal", signal))

	s.exit = ev
	s.events <- ev
	close(s.done)
}

func (s *Session) emitError(err error) {
	select {
	case s.events <- Event{Kind: EventError, Err: err}:
	default:
		s.logger.Warn("process event buffer full, dropping error", zap.Error(err))
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
