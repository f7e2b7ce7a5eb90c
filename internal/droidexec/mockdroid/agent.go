// Package mockdroid is a scripted stand-in for the droid agent. It speaks
// the stream-jsonrpc protocol over any reader/writer pair and backs both the
// mock-droid binary and in-process tests.
package mockdroid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/pkg/droid"
	"go.uber.org/zap"
)

// Default script values.
const (
	DefaultSessionID = "mock-session"
	DefaultReply     = "OK"
	DefaultToolName  = "ExitSpecMode"
)

// Script controls how the agent behaves for each user message.
type Script struct {
	// SessionID is reported by initialize_session.
	SessionID string
	// Reply is streamed back word by word as assistant_text_delta.
	Reply string
	// AskPermission sends request_permission before replying.
	AskPermission bool
	ToolName      string
	Options       []string
	// AskUser sends ask_user before replying.
	AskUser bool
	// RekeyTo, when set, announces session_id_changed after initialization.
	RekeyTo string
	// DeltaDelay is slept between text deltas.
	DeltaDelay time.Duration
	// HangOnMessage never finishes the turn.
	HangOnMessage bool
}

func (s Script) withDefaults() Script {
	if s.SessionID == "" {
		s.SessionID = DefaultSessionID
	}
	if s.Reply == "" {
		s.Reply = DefaultReply
	}
	if s.ToolName == "" {
		s.ToolName = DefaultToolName
	}
	if len(s.Options) == 0 {
		s.Options = []string{droid.OptionProceedOnce, droid.OptionProceedAutoRun, droid.OptionCancel}
	}
	return s
}

// Agent serves one protocol connection.
type Agent struct {
	script  Script
	methods droid.Methods
	enc     droid.Encoder
	logger  *logger.Logger

	writeMu sync.Mutex
	w       io.Writer

	mu        sync.Mutex
	nextID    int
	pending   map[string]chan *droid.Response
	sessionID string
	settings  []droid.UpdateSessionSettingsParams
	decisions []string

	turns sync.WaitGroup
}

// New creates an agent following script.
func New(script Script, log *logger.Logger) *Agent {
	if log == nil {
		log = logger.Default()
	}
	return &Agent{
		script:  script.withDefaults(),
		logger:  log.WithFields(zap.String("component", "mock-droid")),
		pending: make(map[string]chan *droid.Response),
	}
}

// Serve reads requests from r and writes replies to w until r reaches EOF or
// ctx is cancelled. Running turns are abandoned on return.
func (a *Agent) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	a.w = w
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		a.turns.Wait()
	}()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		framer := droid.NewFramer(0)
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			for line := range framer.Feed(buf[:n]) {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					readErr <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			a.handleLine(ctx, line)
		}
	}
}

// Decisions returns the options the client selected, in order.
func (a *Agent) Decisions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.decisions...)
}

// Settings returns every update_session_settings payload received.
func (a *Agent) Settings() []droid.UpdateSessionSettingsParams {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]droid.UpdateSessionSettingsParams(nil), a.settings...)
}

func (a *Agent) handleLine(ctx context.Context, line string) {
	switch msg := droid.Decode(line).(type) {
	case *droid.Request:
		a.handleRequest(ctx, msg)
	case *droid.Response:
		a.mu.Lock()
		ch := a.pending[msg.ID]
		delete(a.pending, msg.ID)
		a.mu.Unlock()
		if ch != nil {
			ch <- msg
		}
	case *droid.Malformed:
		a.logger.Warn("malformed line", zap.Error(msg.Err))
	}
}

func (a *Agent) handleRequest(ctx context.Context, req *droid.Request) {
	switch droid.LocalName(req.Method) {
	case droid.MethodInitializeSession:
		var p droid.InitializeSessionParams
		_ = json.Unmarshal(req.Params, &p)
		sid := a.script.SessionID
		if p.SessionID != "" && a.script.RekeyTo == "" {
			sid = p.SessionID
		}
		a.mu.Lock()
		a.sessionID = sid
		a.mu.Unlock()
		a.reply(req, droid.InitializeSessionResult{SessionID: sid})
		if a.script.RekeyTo != "" {
			a.notify(map[string]any{
				"type":         droid.NotifySessionIDChanged,
				"oldSessionId": sid,
				"newSessionId": a.script.RekeyTo,
				"reason":       "created",
			})
			a.mu.Lock()
			a.sessionID = a.script.RekeyTo
			a.mu.Unlock()
		}
	case droid.MethodLoadSession:
		var p droid.LoadSessionParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.SessionID == "" {
			a.replyError(req, droid.InvalidParams, "sessionId is required")
			return
		}
		a.mu.Lock()
		a.sessionID = p.SessionID
		a.mu.Unlock()
		a.reply(req, map[string]any{})
	case droid.MethodUpdateSessionSettings:
		var p droid.UpdateSessionSettingsParams
		_ = json.Unmarshal(req.Params, &p)
		a.mu.Lock()
		a.settings = append(a.settings, p)
		a.mu.Unlock()
		a.reply(req, map[string]any{})
	case droid.MethodAddUserMessage:
		var p droid.AddUserMessageParams
		_ = json.Unmarshal(req.Params, &p)
		a.reply(req, map[string]any{})
		a.turns.Add(1)
		go func() {
			defer a.turns.Done()
			a.runTurn(ctx, p.Text)
		}()
	default:
		a.replyError(req, droid.MethodNotFound, "method not found: "+req.Method)
	}
}

func (a *Agent) runTurn(ctx context.Context, text string) {
	a.workingState("streaming_assistant_message")
	if a.script.HangOnMessage {
		return
	}

	reply := a.script.Reply
	if a.script.AskPermission {
		selected, err := a.askPermission(ctx)
		if err != nil {
			a.logger.Debug("permission round-trip abandoned", zap.Error(err))
			return
		}
		if selected == droid.OptionCancel {
			reply = "Permission denied."
		}
	}
	if a.script.AskUser {
		if _, err := a.call(ctx, droid.MethodAskUser, map[string]any{
			"questions": []map[string]any{{"id": "q1", "question": "Continue with " + text + "?"}},
		}); err != nil {
			return
		}
	}

	messageID := fmt.Sprintf("msg-%d", time.Now().UnixNano())
	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		a.notify(map[string]any{"type": droid.NotifyAssistantTextDelta, "messageId": messageID, "textDelta": w})
		if a.script.DeltaDelay > 0 {
			select {
			case <-time.After(a.script.DeltaDelay):
			case <-ctx.Done():
				return
			}
		}
	}
	a.workingState(droid.WorkingStateIdle)
}

func (a *Agent) askPermission(ctx context.Context) (string, error) {
	opts := make([]map[string]string, 0, len(a.script.Options))
	for _, o := range a.script.Options {
		opts = append(opts, map[string]string{"value": o, "label": o})
	}
	resp, err := a.call(ctx, droid.MethodRequestPermission, map[string]any{
		"options":  opts,
		"toolUses": []map[string]any{{"toolUse": map[string]string{"id": "tool-1", "name": a.script.ToolName}}},
	})
	if err != nil {
		return "", err
	}
	var result droid.PermissionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("decode permission result: %w", err)
	}
	a.mu.Lock()
	a.decisions = append(a.decisions, result.SelectedOption)
	a.mu.Unlock()
	return result.SelectedOption, nil
}

func (a *Agent) call(ctx context.Context, method string, params any) (*droid.Response, error) {
	a.mu.Lock()
	a.nextID++
	id := fmt.Sprintf("agent-%d", a.nextID)
	ch := make(chan *droid.Response, 1)
	a.pending[id] = ch
	a.mu.Unlock()

	data, err := a.enc.Request(id, a.methods.Name(method), params)
	if err != nil {
		return nil, err
	}
	if err := a.write(data); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Agent) workingState(state string) {
	a.notify(map[string]any{"type": droid.NotifyDroidWorkingStateChanged, "newState": state})
}

func (a *Agent) notify(notification map[string]any) {
	a.mu.Lock()
	sid := a.sessionID
	a.mu.Unlock()
	data, err := a.enc.Notification(a.methods.Name(droid.MethodSessionNotification), map[string]any{
		"sessionId":    sid,
		"notification": notification,
	})
	if err != nil {
		a.logger.Error("encode notification", zap.Error(err))
		return
	}
	_ = a.write(data)
}

func (a *Agent) reply(req *droid.Request, result any) {
	data, err := a.enc.Response(req.ID, result, nil)
	if err != nil {
		a.logger.Error("encode response", zap.Error(err))
		return
	}
	_ = a.write(data)
}

func (a *Agent) replyError(req *droid.Request, code int, message string) {
	data, err := a.enc.Response(req.ID, nil, &droid.Error{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = a.write(data)
}

func (a *Agent) write(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err := a.w.Write(data)
	return err
}
