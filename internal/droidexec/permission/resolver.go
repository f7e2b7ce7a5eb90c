package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kandev/droidctl/internal/common/clock"
	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/droidexec/timeline"
	"github.com/kandev/droidctl/internal/tracing"
	"github.com/kandev/droidctl/pkg/droid"
	"go.uber.org/zap"
)

// HandlerError wraps a failure (or recovered panic) while answering an
// inbound request.
type HandlerError struct {
	Method    string
	RequestID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handling %s %s: %v", e.Method, e.RequestID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Pending is an issued request whose outcome can be awaited.
type Pending interface {
	Wait(ctx context.Context) (*droid.Response, error)
}

// Conn is the slice of a droid session the resolver talks through.
type Conn interface {
	SessionID() string
	// Respond writes the response to an inbound request.
	Respond(id json.RawMessage, result any) error
	// UpdateSettings writes an update_session_settings request.
	UpdateSettings(ctx context.Context, params *droid.UpdateSessionSettingsParams) (Pending, error)
}

// Resolver answers request_permission and ask_user.
type Resolver struct {
	cfg      Config
	log      *Log
	timeline *timeline.Timeline
	clock    clock.Clock
	logger   *logger.Logger
}

// NewResolver creates a resolver. log and tl may be shared across sessions.
func NewResolver(cfg Config, log *Log, tl *timeline.Timeline, c clock.Clock, l *logger.Logger) *Resolver {
	if cfg.UpdateStrategy == "" {
		cfg.UpdateStrategy = UpdateNone
	}
	if log == nil {
		log = NewLog()
	}
	if tl == nil {
		tl = timeline.New(c)
	}
	if c == nil {
		c = clock.Real{}
	}
	if l == nil {
		l = logger.Default()
	}
	return &Resolver{
		cfg:      cfg,
		log:      log,
		timeline: tl,
		clock:    c,
		logger:   l.WithFields(zap.String("component", "permission-resolver")),
	}
}

// Log returns the permission event log.
func (r *Resolver) Log() *Log {
	return r.log
}

// HandlePermission answers a request_permission request. It always writes
// exactly one response unless the connection itself is broken; failures
// are recorded and answered with cancel.
func (r *Resolver) HandlePermission(ctx context.Context, conn Conn, req *droid.Request) (err error) {
	ctx, span := tracing.TraceInboundRequest(ctx, conn.SessionID(), req.Method, req.IDString(), req.Params)
	responded := false
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			err = &HandlerError{Method: req.Method, RequestID: req.IDString(), Err: err}
			r.fail(conn, req, err, !responded)
		}
		tracing.EndSpan(span, err)
	}()

	var params droid.PermissionRequestParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
	}

	toolNames := ToolNames(params.ToolUses)
	options := optionValues(params.Options)
	selected, exitSpec := Select(r.cfg, toolNames, options)

	update := exitSpec && IsProceed(selected) && r.cfg.AutonomyLevel != "" && r.cfg.UpdateStrategy != UpdateNone
	var pending Pending
	var updateErr error
	if update && r.cfg.UpdateStrategy == UpdateBefore {
		pending, updateErr = r.issueUpdate(ctx, conn)
	}

	// The decision is recorded before the agent can act on it.
	r.log.Append(Event{
		RequestID:      req.IDString(),
		SessionID:      conn.SessionID(),
		ToolNames:      toolNames,
		Options:        options,
		Selected:       selected,
		ExitSpec:       exitSpec,
		UpdateStrategy: r.cfg.UpdateStrategy,
		At:             r.clock.Now(),
	})
	r.timeline.Append(timeline.Entry{
		Kind:      timeline.KindPermissionResolved,
		SessionID: conn.SessionID(),
		Method:    req.Method,
		RequestID: req.IDString(),
		Detail:    selected,
		Attrs: map[string]string{
			"tools":     strings.Join(toolNames, ","),
			"options":   strings.Join(options, ","),
			"exit_spec": fmt.Sprint(exitSpec),
		},
	})
	r.logger.Info("permission resolved",
		zap.String("session_id", conn.SessionID()),
		zap.String("request_id", req.IDString()),
		zap.Strings("tools", toolNames),
		zap.String("selected", selected),
		zap.Bool("exit_spec", exitSpec))

	if err := conn.Respond(req.ID, &droid.PermissionResult{SelectedOption: selected}); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	responded = true

	if update && r.cfg.UpdateStrategy == UpdateAfter {
		pending, updateErr = r.issueUpdate(ctx, conn)
	}

	if update {
		r.settleUpdate(ctx, conn, pending, updateErr)
	}
	return nil
}

// HandleAskUser declines every ask_user prompt.
func (r *Resolver) HandleAskUser(ctx context.Context, conn Conn, req *droid.Request) (err error) {
	_, span := tracing.TraceInboundRequest(ctx, conn.SessionID(), req.Method, req.IDString(), req.Params)
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{Method: req.Method, RequestID: req.IDString(), Err: fmt.Errorf("panic: %v", p)}
			r.recordFailure(conn, req, err)
		}
		tracing.EndSpan(span, err)
	}()

	if err := conn.Respond(req.ID, &droid.AskUserResult{Cancelled: true, Answers: []droid.AskUserAnswer{}}); err != nil {
		err = &HandlerError{Method: req.Method, RequestID: req.IDString(), Err: err}
		r.recordFailure(conn, req, err)
		return err
	}
	r.timeline.Append(timeline.Entry{
		Kind:      timeline.KindAskUserDeclined,
		SessionID: conn.SessionID(),
		Method:    req.Method,
		RequestID: req.IDString(),
	})
	return nil
}

func (r *Resolver) issueUpdate(ctx context.Context, conn Conn) (Pending, error) {
	return conn.UpdateSettings(ctx, &droid.UpdateSessionSettingsParams{AutonomyLevel: r.cfg.AutonomyLevel})
}

// settleUpdate waits for the settings update and records how it went. The
// permission response has already been written at this point.
func (r *Resolver) settleUpdate(ctx context.Context, conn Conn, pending Pending, issueErr error) {
	err := issueErr
	if err == nil && pending != nil {
		var resp *droid.Response
		resp, err = pending.Wait(ctx)
		if err == nil && resp != nil && resp.Error != nil {
			err = resp.Error
		}
	}

	entry := timeline.Entry{
		SessionID: conn.SessionID(),
		Detail:    r.cfg.AutonomyLevel,
		Attrs:     map[string]string{"strategy": string(r.cfg.UpdateStrategy)},
	}
	if err != nil {
		entry.Kind = timeline.KindSettingsFailed
		entry.Attrs["error"] = err.Error()
		r.logger.Warn("session settings update failed",
			zap.String("session_id", conn.SessionID()),
			zap.String("autonomy_level", r.cfg.AutonomyLevel),
			zap.Error(err))
	} else {
		entry.Kind = timeline.KindSettingsUpdated
	}
	r.timeline.Append(entry)
}

func (r *Resolver) fail(conn Conn, req *droid.Request, err error, sendFallback bool) {
	r.recordFailure(conn, req, err)
	if !sendFallback {
		return
	}
	if ferr := conn.Respond(req.ID, &droid.PermissionResult{SelectedOption: droid.OptionCancel}); ferr != nil {
		r.logger.Warn("fallback permission response failed",
			zap.String("request_id", req.IDString()),
			zap.Error(ferr))
	}
}

func (r *Resolver) recordFailure(conn Conn, req *droid.Request, err error) {
	r.logger.Error("inbound request handler failed",
		zap.String("method", req.Method),
		zap.String("request_id", req.IDString()),
		zap.Error(err))
	r.timeline.Append(timeline.Entry{
		Kind:      timeline.KindHandlerError,
		SessionID: conn.SessionID(),
		Method:    req.Method,
		RequestID: req.IDString(),
		Detail:    err.Error(),
	})
}

// IsHandlerError reports whether err is or wraps a *HandlerError.
func IsHandlerError(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}
