// Package droidexec drives a droid exec child process: it owns the process,
// correlates requests, answers permission prompts, follows session rekeys and
// reports when each turn finishes.
package droidexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/kandev/droidctl/internal/common/clock"
	"github.com/kandev/droidctl/internal/common/ids"
	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/droidexec/correlator"
	"github.com/kandev/droidctl/internal/droidexec/permission"
	"github.com/kandev/droidctl/internal/droidexec/process"
	"github.com/kandev/droidctl/internal/droidexec/timeline"
	"github.com/kandev/droidctl/internal/droidexec/turn"
	"github.com/kandev/droidctl/pkg/droid"
	"go.uber.org/zap"
)

// SessionParams describes the session a message is sent to. Empty fields
// fall back to the manager's Config.
type SessionParams struct {
	// SessionID targets an existing session. Empty reuses the live session
	// or starts a new one under a temporary id.
	SessionID     string
	MachineID     string
	Cwd           string
	ModelID       string
	AutonomyLevel string
	// ResumeSessionID loads a previous conversation into a new process.
	ResumeSessionID string
	Text            string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock sets the clock used for timeouts and timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithSpawner replaces how droid processes are launched.
func WithSpawner(s Spawner) Option {
	return func(m *Manager) { m.spawner = s }
}

// WithIDGenerator sets the generator for temporary session ids.
func WithIDGenerator(g ids.Generator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithGetenv replaces environment lookups for the credential.
func WithGetenv(fn func(string) string) Option {
	return func(m *Manager) { m.getenv = fn }
}

// WithOnRetire registers a callback invoked once for every session id
// superseded by a rekey.
func WithOnRetire(fn func(oldID, newID string)) Option {
	return func(m *Manager) { m.onRetire = fn }
}

// Manager is the facade over a single live droid session.
type Manager struct {
	cfg         Config
	logger      *logger.Logger
	clock       clock.Clock
	spawner     Spawner
	ids         ids.Generator
	getenv      func(string) string
	environ     func() []string
	onRetire    func(oldID, newID string)
	timeline    *timeline.Timeline
	permissions *permission.Log
	hub         *hub

	// sendMu serializes session creation and message sends.
	sendMu sync.Mutex

	mu     sync.Mutex
	active *session
	closed bool
}

// NewManager creates a manager. No process is started until Send.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:         cfg.withDefaults(),
		clock:       clock.Real{},
		ids:         ids.UUID{},
		getenv:      os.Getenv,
		environ:     os.Environ,
		permissions: permission.NewLog(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.Default()
	}
	m.logger = m.logger.WithComponent("exec-manager")
	if m.spawner == nil {
		m.spawner = newProcessSpawner(m.cfg, m.logger)
	}
	m.timeline = timeline.New(m.clock)
	m.hub = newHub(m.logger, m.cfg.EventQueueLimit)
	return m
}

// Send delivers a user message, creating the session first when needed, and
// returns the run tracking the resulting turn.
func (m *Manager) Send(ctx context.Context, p SessionParams) (*Run, error) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	s, err := m.ensureSession(ctx, p)
	if err != nil {
		return nil, err
	}

	r, err := s.beginRun()
	if err != nil {
		return nil, err
	}
	sid := s.SessionID()
	m.emit(EventRunStarted, sid, map[string]any{"text": p.Text})

	if err := s.call(ctx, droid.MethodAddUserMessage, &droid.AddUserMessageParams{Text: p.Text}, nil); err != nil {
		reason := turn.ReasonProcessError
		if correlator.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			reason = turn.ReasonTimeout
		}
		s.finishRun(r, reason)
		return nil, fmt.Errorf("add_user_message: %w", err)
	}
	return r, nil
}

func (m *Manager) ensureSession(ctx context.Context, p SessionParams) (*session, error) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()

	if s != nil {
		switch {
		case s.exited() || s.phase() == stateClosed:
			m.retire(s, "process exited")
			s = nil
		case p.SessionID != "" && !s.ids.Known(p.SessionID):
			m.logger.Info("replacing live session",
				zap.String("session_id", s.SessionID()),
				zap.String("requested_session_id", p.SessionID))
			m.retire(s, "replaced by "+p.SessionID)
			s = nil
		}
	}
	if s != nil {
		return s, nil
	}
	return m.startSession(ctx, p)
}

func (m *Manager) startSession(ctx context.Context, p SessionParams) (*session, error) {
	key := m.getenv(m.cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: set %s", ErrMissingAPIKey, m.cfg.APIKeyEnv)
	}

	cwd := p.Cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cwd = wd
	}
	model := firstNonEmpty(p.ModelID, m.cfg.Model)
	level := firstNonEmpty(p.AutonomyLevel, m.cfg.AutonomyLevel)
	id := p.SessionID
	if id == "" {
		id = m.ids.NewID()
	}

	spec := process.Spec{
		Command: m.cfg.Binary,
		Args:    BuildArgs(cwd, model, level),
		Env:     append(m.environ(), m.cfg.APIKeyEnv+"="+key),
		Dir:     cwd,
	}
	proc, err := m.spawner.Spawn(spec)
	if err != nil {
		m.logger.Error("failed to start droid", zap.String("binary", m.cfg.Binary), zap.Error(err))
		return nil, err
	}

	s := newSession(m, id, proc)
	m.mu.Lock()
	m.active = s
	m.mu.Unlock()
	go s.loop()

	m.timeline.Append(timeline.Entry{Kind: timeline.KindSessionStarted, SessionID: id,
		Attrs: map[string]string{"cwd": cwd, "model": model, "autonomy_level": level}})
	m.logger.Info("droid session starting",
		zap.String("session_id", id),
		zap.String("cwd", cwd),
		zap.String("model", model))

	var res droid.InitializeSessionResult
	err = s.call(ctx, droid.MethodInitializeSession, &droid.InitializeSessionParams{
		MachineID:     firstNonEmpty(p.MachineID, m.cfg.MachineID),
		Cwd:           cwd,
		SessionID:     p.SessionID,
		ModelID:       model,
		AutonomyLevel: level,
	}, &res)
	if err != nil {
		m.retire(s, "initialize failed")
		return nil, fmt.Errorf("initialize_session: %w", err)
	}
	if res.SessionID != "" {
		s.rekey(id, res.SessionID, droid.MethodInitializeSession)
	}

	if p.ResumeSessionID != "" {
		var loaded droid.InitializeSessionResult
		if err := s.call(ctx, droid.MethodLoadSession, &droid.LoadSessionParams{SessionID: p.ResumeSessionID}, &loaded); err != nil {
			m.retire(s, "load failed")
			return nil, fmt.Errorf("load_session: %w", err)
		}
		s.rekey(s.ids.Active(), firstNonEmpty(loaded.SessionID, p.ResumeSessionID), droid.MethodLoadSession)
	}

	// An id replaced during initialization leaves the session rekeyed.
	s.state.CompareAndSwap(int32(stateInitializing), int32(stateActive))
	sid := s.SessionID()
	m.emit(EventSessionStarted, sid, map[string]any{"cwd": cwd, "model": model, "state": s.phase().String()})
	return s, nil
}

// retire detaches s from the manager and disposes it.
func (m *Manager) retire(s *session, reason string) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
	s.dispose(reason)
}

// lookup finds the live session known by id, following rekeys.
func (m *Manager) lookup(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.exited() || !m.active.ids.Known(id) {
		return nil
	}
	return m.active
}

// Cancel stops the session known as sessionID, or any id it superseded. The
// running turn finishes with process-close.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	s := m.lookup(sessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	m.logger.Info("cancelling session",
		zap.String("session_id", s.SessionID()),
		zap.String("requested_session_id", sessionID))
	s.terminate()

	select {
	case <-s.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DisposeSession tears the session down and forgets it. Unknown or already
// disposed ids are ignored.
func (m *Manager) DisposeSession(ctx context.Context, sessionID string) error {
	s := m.lookup(sessionID)
	if s == nil {
		return nil
	}
	return m.retireWait(ctx, s, "disposed")
}

func (m *Manager) retireWait(ctx context.Context, s *session, reason string) error {
	done := make(chan struct{})
	go func() {
		m.retire(s, reason)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnEvent subscribes fn to every exec event. Events are delivered in order
// on a single goroutine. The returned func unsubscribes.
func (m *Manager) OnEvent(fn func(Event)) (unsubscribe func()) {
	return m.hub.subscribe(fn)
}

// Flush blocks until every event emitted before the call has been delivered
// to subscribers, or ctx ends.
func (m *Manager) Flush(ctx context.Context) error {
	return m.hub.flush(ctx)
}

// Timeline returns a snapshot of the diagnostic timeline.
func (m *Manager) Timeline() []timeline.Entry {
	return m.timeline.Entries()
}

// Permissions returns every permission decision made so far.
func (m *Manager) Permissions() []permission.Event {
	return m.permissions.Events()
}

// MachineID returns the machine id sent with initialize_session.
func (m *Manager) MachineID() string {
	return m.cfg.MachineID
}

// ActiveSessionID returns the current id of the live session, or "".
func (m *Manager) ActiveSessionID() string {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil || s.exited() {
		return ""
	}
	return s.SessionID()
}

// ResolveSessionID maps any id the live session has had to its current id.
func (m *Manager) ResolveSessionID(id string) string {
	if s := m.lookup(id); s != nil {
		return s.SessionID()
	}
	return id
}

// Close disposes the live session and stops event delivery.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	s := m.active
	m.mu.Unlock()

	var err error
	if s != nil {
		err = m.retireWait(ctx, s, "manager closed")
	}
	m.hub.close()
	return err
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) emit(t EventType, sessionID string, data map[string]any) {
	m.hub.publish(Event{Type: t, SessionID: sessionID, At: m.clock.Now(), Data: data})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
