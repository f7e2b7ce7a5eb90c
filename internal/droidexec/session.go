package droidexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/common/stringutil"
	"github.com/kandev/droidctl/internal/droidexec/correlator"
	"github.com/kandev/droidctl/internal/droidexec/permission"
	"github.com/kandev/droidctl/internal/droidexec/process"
	"github.com/kandev/droidctl/internal/droidexec/rekey"
	"github.com/kandev/droidctl/internal/droidexec/timeline"
	"github.com/kandev/droidctl/internal/droidexec/turn"
	"github.com/kandev/droidctl/internal/tracing"
	"github.com/kandev/droidctl/pkg/droid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxRawLineAttr bounds how much of a malformed line is kept in the timeline.
const maxRawLineAttr = 256

// lifecycle is where a session is between spawn and teardown. Rekeyed is
// a live session whose identity the droid has replaced at least once.
type lifecycle int32

const (
	stateInitializing lifecycle = iota
	stateActive
	stateRekeyed
	stateClosed
)

func (l lifecycle) String() string {
	switch l {
	case stateInitializing:
		return "initializing"
	case stateActive:
		return "active"
	case stateRekeyed:
		return "rekeyed"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is one live droid process and everything tracking it. The
// dispatch loop is the only reader of the process output.
type session struct {
	m        *Manager
	ids      *rekey.Tracker
	proc     Process
	corr     *correlator.Correlator
	resolver *permission.Resolver
	framer   *droid.Framer
	logger   *logger.Logger
	methods  droid.Methods
	enc      droid.Encoder

	ctx    context.Context
	cancel context.CancelFunc

	handlersMu sync.Mutex
	handlers   errgroup.Group
	closing    bool

	state       atomic.Int32
	terminating atomic.Bool
	loopDone    chan struct{}
	disposed    chan struct{}
	disposeOnce sync.Once

	mu      sync.Mutex
	run     *Run
	exitErr *ProcessExitError
}

func newSession(m *Manager, id string, proc Process) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		m:        m,
		ids:      rekey.New(id),
		proc:     proc,
		framer:   droid.NewFramer(m.cfg.MaxLineBytes),
		logger:   m.logger.WithFields(zap.String("component", "droid-session")),
		methods:  droid.Methods{Namespace: m.cfg.Namespace},
		enc:      droid.Encoder{APIVersion: m.cfg.APIVersion},
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		disposed: make(chan struct{}),
	}
	s.corr = correlator.New(proc, correlator.Options{
		SessionID: id,
		Timeout:   m.cfg.RequestTimeout,
		Encoder:   s.enc,
		Clock:     m.clock,
		Timeline:  m.timeline,
		Logger:    m.logger,
	})
	s.resolver = permission.NewResolver(m.cfg.Permissions, m.permissions, m.timeline, m.clock, m.logger)
	return s
}

// SessionID implements permission.Conn.
func (s *session) SessionID() string {
	return s.ids.Active()
}

// Respond implements permission.Conn.
func (s *session) Respond(id json.RawMessage, result any) error {
	data, err := s.enc.Response(id, result, nil)
	if err != nil {
		return err
	}
	return s.write(data)
}

// UpdateSettings implements permission.Conn.
func (s *session) UpdateSettings(ctx context.Context, params *droid.UpdateSessionSettingsParams) (permission.Pending, error) {
	f, err := s.corr.Issue(ctx, s.methods.Name(droid.MethodUpdateSessionSettings), params)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *session) respondError(id json.RawMessage, code int, msg string) error {
	data, err := s.enc.Response(id, nil, &droid.Error{Code: code, Message: msg})
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *session) write(data []byte) error {
	s.logger.Debug("writing to droid", zap.String("session_id", s.SessionID()), zap.ByteString("line", data))
	return s.proc.Write(data)
}

func (s *session) call(ctx context.Context, method string, params, out any) error {
	return s.corr.Call(ctx, s.methods.Name(method), params, out)
}

func (s *session) phase() lifecycle {
	return lifecycle(s.state.Load())
}

// advance moves the session to state to. Closed is terminal.
func (s *session) advance(to lifecycle) {
	for {
		from := s.state.Load()
		if lifecycle(from) == stateClosed || lifecycle(from) == to {
			return
		}
		if s.state.CompareAndSwap(from, int32(to)) {
			return
		}
	}
}

func (s *session) exited() bool {
	select {
	case <-s.loopDone:
		return true
	default:
		return false
	}
}

func (s *session) currentRun() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// beginRun registers a run before add_user_message is written so no
// working-state notification can be missed.
func (s *session) beginRun() (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return nil, ErrTurnInProgress
	}
	if s.exitErr != nil {
		return nil, s.exitErr
	}
	r := &Run{session: s, turn: turn.New()}
	r.timer = s.m.clock.AfterFunc(s.m.cfg.RunTimeout, func() { s.runTimedOut(r) })
	s.run = r
	return r, nil
}

// finishRun ends r with reason if it has not already finished.
func (s *session) finishRun(r *Run, reason turn.Reason) bool {
	// The slot is released under the lock that picks the winner: once Done
	// is closed the session accepts the next message.
	s.mu.Lock()
	if !r.turn.Finish(reason) {
		s.mu.Unlock()
		return false
	}
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()
	r.timer.Stop()

	sid := s.SessionID()
	kind := timeline.KindTurnComplete
	if reason == turn.ReasonTimeout {
		kind = timeline.KindRunTimeout
	}
	s.m.timeline.Append(timeline.Entry{Kind: kind, SessionID: sid, Detail: string(reason)})
	s.logger.Info("run finished", zap.String("session_id", sid), zap.String("reason", string(reason)))
	s.m.emit(EventRunFinished, sid, map[string]any{"reason": string(reason)})
	return true
}

func (s *session) runTimedOut(r *Run) {
	if !s.finishRun(r, turn.ReasonTimeout) {
		return
	}
	s.logger.Warn("run exceeded its time limit, ending session",
		zap.String("session_id", s.SessionID()),
		zap.Duration("limit", s.m.cfg.RunTimeout))
	go s.m.retire(s, "run timeout")
}

// loop is the session's dispatch goroutine.
func (s *session) loop() {
	defer close(s.loopDone)

	out := s.proc.Output()
	events := s.proc.Events()
	var exit *process.Event
	var ioErr error

	for out != nil || events != nil {
		select {
		case chunk, ok := <-out:
			if !ok {
				out = nil
				if line, ok := s.framer.Flush(); ok {
					s.handleLine(line)
				}
				continue
			}
			before := s.framer.Overflows
			for line := range s.framer.Feed(chunk) {
				s.handleLine(line)
			}
			if dropped := s.framer.Overflows - before; dropped > 0 {
				s.protocolError(fmt.Sprintf("line exceeded %d bytes", s.m.cfg.MaxLineBytes), "")
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case process.EventError:
				ioErr = ev.Err
				s.m.timeline.Append(timeline.Entry{Kind: timeline.KindProcessError, SessionID: s.SessionID(), Detail: ev.Err.Error()})
				s.m.emit(EventProcessError, s.SessionID(), map[string]any{"error": ev.Err.Error()})
			case process.EventExit:
				exit = &ev
				events = nil
			}
		}
	}

	s.onExit(exit, ioErr)
}

func (s *session) handleLine(line string) {
	switch msg := droid.Decode(line).(type) {
	case *droid.Response:
		s.logger.Debug("received response", zap.String("id", msg.ID))
		if !s.corr.Resolve(msg) && msg.Error != nil {
			s.logger.Warn("droid reported an error for no pending request",
				zap.String("session_id", s.SessionID()),
				zap.String("id", msg.ID),
				zap.String("error", msg.Error.Message))
		}
	case *droid.Request:
		s.handleRequest(msg)
	case *droid.Notification:
		s.handleNotification(msg)
	case *droid.Malformed:
		s.protocolError(msg.Err.Error(), msg.Raw)
	}
}

func (s *session) protocolError(detail, raw string) {
	sid := s.SessionID()
	s.logger.Warn("skipping malformed line from droid",
		zap.String("session_id", sid),
		zap.String("error", detail),
		zap.Int("bytes", len(raw)))
	entry := timeline.Entry{Kind: timeline.KindProtocolError, SessionID: sid, Detail: detail}
	if raw != "" {
		entry.Attrs = map[string]string{"line": stringutil.TruncateWithEllipsis(raw, maxRawLineAttr)}
	}
	s.m.timeline.Append(entry)
	s.m.emit(EventProtocolError, sid, map[string]any{"error": detail})
}

func (s *session) handleRequest(req *droid.Request) {
	sid := s.SessionID()
	s.m.timeline.Append(timeline.Entry{Kind: timeline.KindRequestReceived, SessionID: sid, Method: req.Method, RequestID: req.IDString()})

	switch droid.LocalName(req.Method) {
	case droid.MethodRequestPermission:
		s.goHandler(req, func(ctx context.Context) error {
			err := s.resolver.HandlePermission(ctx, s, req)
			s.m.emit(EventPermission, s.SessionID(), map[string]any{"request_id": req.IDString(), "failed": err != nil})
			return err
		})
	case droid.MethodAskUser:
		s.goHandler(req, func(ctx context.Context) error {
			return s.resolver.HandleAskUser(ctx, s, req)
		})
	default:
		s.logger.Warn("unhandled droid request", zap.String("method", req.Method))
		if err := s.respondError(req.ID, droid.MethodNotFound, "method not found: "+req.Method); err != nil {
			s.logger.Debug("failed to reject unhandled request", zap.Error(err))
		}
	}
}

// goHandler runs fn on its own goroutine, tracked so teardown can wait for
// it. Requests arriving during teardown are declined without running fn.
func (s *session) goHandler(req *droid.Request, fn func(ctx context.Context) error) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if s.closing {
		if err := s.Respond(req.ID, declineResult(req.Method)); err != nil {
			s.logger.Debug("failed to decline request during teardown", zap.String("method", req.Method), zap.Error(err))
		}
		return
	}
	s.handlers.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("inbound request handler panicked", zap.String("method", req.Method), zap.Any("panic", r))
			}
		}()
		if err := fn(s.ctx); err != nil {
			s.logger.Debug("inbound request handler failed", zap.String("method", req.Method), zap.Error(err))
		}
		// Failures are recorded by the resolver; they must not cancel
		// sibling handlers.
		return nil
	})
}

// declineResult is the refusal for an inbound request, shaped for its method.
func declineResult(method string) any {
	if droid.LocalName(method) == droid.MethodAskUser {
		return &droid.AskUserResult{Cancelled: true, Answers: []droid.AskUserAnswer{}}
	}
	return &droid.PermissionResult{SelectedOption: droid.OptionCancel}
}

func (s *session) handleNotification(n *droid.Notification) {
	if droid.LocalName(n.Method) != droid.MethodSessionNotification {
		sid := s.SessionID()
		s.m.timeline.Append(timeline.Entry{Kind: timeline.KindNotification, SessionID: sid, Method: n.Method})
		s.m.emit(EventNotification, sid, map[string]any{"method": n.Method, "params": n.Params})
		return
	}

	_, ev, err := droid.DecodeSessionNotification(n.Params)
	if err != nil {
		s.protocolError(err.Error(), string(n.Params))
		return
	}
	sid := s.SessionID()
	tracing.TraceNotification(s.ctx, sid, ev.NotificationType(), n.Params)

	switch e := ev.(type) {
	case *droid.WorkingStateChanged:
		s.observeWorkingState(e.NewState)
	case *droid.AssistantTextDelta:
		if r := s.currentRun(); r != nil {
			r.appendText(e.TextDelta)
		}
		s.m.emit(EventAssistantDelta, sid, map[string]any{"message_id": e.MessageID, "text": e.TextDelta})
	case *droid.SessionIDChanged:
		s.rekey(e.OldSessionID, e.NewSessionID, e.Reason)
	case *droid.AgentError:
		s.m.timeline.Append(timeline.Entry{Kind: timeline.KindNotification, SessionID: sid, Method: n.Method, Detail: e.Message,
			Attrs: map[string]string{"type": droid.NotifyError}})
		s.m.emit(EventAgentError, sid, map[string]any{"message": e.Message})
	default:
		s.m.emit(EventNotification, sid, map[string]any{"type": ev.NotificationType(), "params": n.Params})
	}
}

func (s *session) observeWorkingState(state string) {
	sid := s.SessionID()
	r := s.currentRun()
	if r == nil {
		s.logger.Debug("working state outside a run", zap.String("session_id", sid), zap.String("state", state))
		s.m.emit(EventWorkingState, sid, map[string]any{"state": state})
		return
	}
	from, to, idled := r.turn.Observe(state)
	s.m.timeline.Append(timeline.Entry{Kind: timeline.KindStateChange, SessionID: sid, Detail: state,
		Attrs: map[string]string{"from": from.String(), "to": to.String()}})
	s.m.emit(EventWorkingState, sid, map[string]any{"state": state})
	if idled {
		s.finishRun(r, turn.ReasonTurnIdle)
	}
}

// rekey replaces the session identity and retires the old id once.
func (s *session) rekey(oldID, newID, reason string) {
	if oldID == "" {
		oldID = s.ids.Active()
	}
	if newID == "" {
		return
	}
	// A report naming an id that has since been superseded maps to its successor.
	newID = s.ids.Resolve(newID)
	if oldID == newID {
		return
	}
	// The same change can be reported by both a response and a notification.
	if s.ids.Active() == newID && s.ids.Resolve(oldID) == newID {
		return
	}
	dispose := s.ids.Rekey(oldID, newID, reason)
	s.corr.SetSessionID(newID)
	s.advance(stateRekeyed)
	s.logger.Info("session id changed",
		zap.String("old_session_id", oldID),
		zap.String("new_session_id", newID),
		zap.String("reason", reason))
	s.m.timeline.Append(timeline.Entry{Kind: timeline.KindRekey, SessionID: newID, Detail: reason,
		Attrs: map[string]string{"old": oldID, "new": newID}})
	s.m.emit(EventSessionRekeyed, newID, map[string]any{"old_session_id": oldID, "new_session_id": newID, "reason": reason})
	if dispose {
		s.m.timeline.Append(timeline.Entry{Kind: timeline.KindDisposed, SessionID: oldID, Detail: "superseded by " + newID})
		if s.m.onRetire != nil {
			s.m.onRetire(oldID, newID)
		}
	}
}

func (s *session) onExit(exit *process.Event, ioErr error) {
	perr := &ProcessExitError{ExitCode: -1, Stderr: s.proc.RecentStderr(), Err: ioErr}
	if exit != nil {
		perr.ExitCode = exit.ExitCode
		perr.Signal = exit.Signal
		if exit.Err != nil {
			perr.Err = exit.Err
		}
	}

	reason := turn.ReasonProcessClose
	if !s.terminating.Load() && (perr.Err != nil || perr.ExitCode != 0) {
		reason = turn.ReasonProcessError
	}

	s.mu.Lock()
	s.exitErr = perr
	r := s.run
	s.mu.Unlock()

	sid := s.SessionID()
	attrs := map[string]string{"exit_code": strconv.Itoa(perr.ExitCode), "reason": string(reason)}
	if perr.Signal != "" {
		attrs["signal"] = perr.Signal
	}
	if len(perr.Stderr) > 0 {
		attrs["stderr"] = strings.Join(perr.Stderr, "\n")
	}
	s.m.timeline.Append(timeline.Entry{Kind: timeline.KindClose, SessionID: sid, Detail: perr.Error(), Attrs: attrs})
	if reason == turn.ReasonProcessError {
		s.logger.Warn("droid process ended unexpectedly", zap.String("session_id", sid), zap.Error(perr))
	}

	s.corr.Shutdown(perr)
	if r != nil {
		s.finishRun(r, reason)
	}
	s.m.emit(EventProcessExit, sid, map[string]any{
		"exit_code": perr.ExitCode,
		"signal":    perr.Signal,
		"reason":    string(reason),
	})

	go s.m.retire(s, "process exited")
}

// terminate asks the process to stop without waiting for teardown.
func (s *session) terminate() {
	s.terminating.Store(true)
	go s.proc.Terminate()
}

// dispose settles in-flight handlers, rejects pending requests, stops the
// process and waits for the dispatch loop. Safe to call many times; only the
// first reason is recorded.
func (s *session) dispose(reason string) {
	s.disposeOnce.Do(func() {
		defer close(s.disposed)
		s.advance(stateClosed)
		s.terminating.Store(true)

		s.handlersMu.Lock()
		s.closing = true
		s.handlersMu.Unlock()

		s.corr.Shutdown(nil)

		settled := make(chan struct{})
		go func() {
			_ = s.handlers.Wait()
			close(settled)
		}()
		timer := time.NewTimer(s.m.cfg.SettleWait)
		select {
		case <-settled:
		case <-timer.C:
			s.logger.Warn("inbound handlers did not settle before teardown", zap.String("session_id", s.SessionID()))
		}
		timer.Stop()

		s.proc.Terminate()
		<-s.loopDone

		if r := s.currentRun(); r != nil {
			s.finishRun(r, turn.ReasonProcessClose)
		}
		s.cancel()

		sid := s.SessionID()
		s.m.timeline.Append(timeline.Entry{Kind: timeline.KindDisposed, SessionID: sid, Detail: reason})
		s.m.emit(EventSessionDisposed, sid, map[string]any{"reason": reason})
		s.logger.Info("session disposed", zap.String("session_id", sid), zap.String("reason", reason))
	})
	<-s.disposed
}
