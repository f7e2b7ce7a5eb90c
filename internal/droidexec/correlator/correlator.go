// Package correlator matches outbound JSON-RPC requests written to the droid
// with the responses that arrive asynchronously on its stdout.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/kandev/droidctl/internal/common/clock"
	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/droidexec/timeline"
	"github.com/kandev/droidctl/internal/tracing"
	"github.com/kandev/droidctl/pkg/droid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultTimeout bounds each outbound request.
const DefaultTimeout = 45 * time.Second

// Writer receives framed requests. process.Session satisfies it.
type Writer interface {
	Write(p []byte) error
}

// Options configures a Correlator.
type Options struct {
	SessionID string
	Timeout   time.Duration
	Encoder   droid.Encoder
	Clock     clock.Clock
	Timeline  *timeline.Timeline
	Logger    *logger.Logger
}

// Correlator assigns request ids of the form "{sessionId}:{seq}" and settles
// each request exactly once: by a response, a timeout, an abandoned wait or
// shutdown.
type Correlator struct {
	w        Writer
	enc      droid.Encoder
	clock    clock.Clock
	timeout  time.Duration
	timeline *timeline.Timeline
	logger   *logger.Logger

	mu        sync.Mutex
	sessionID string
	seq       uint64
	pending   map[string]*pending
	closedErr error
}

type pending struct {
	id     string
	method string
	at     time.Time
	timer  clock.Timer
	future *Future
	span   trace.Span
}

// New creates a correlator writing to w.
func New(w Writer, opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Correlator{
		w:         w,
		enc:       opts.Encoder,
		clock:     opts.Clock,
		timeout:   opts.Timeout,
		timeline:  opts.Timeline,
		logger:    opts.Logger.WithFields(zap.String("component", "correlator")),
		sessionID: opts.SessionID,
		pending:   make(map[string]*pending),
	}
}

// SetSessionID changes the id prefix for requests issued from now on. The
// sequence counter keeps counting.
func (c *Correlator) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// Pending returns the number of unsettled requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Issue registers a request, arms its timeout and writes it. The entry is in
// place before the bytes reach the droid so a fast response always matches.
func (c *Correlator) Issue(ctx context.Context, method string, params any) (*Future, error) {
	c.mu.Lock()
	if c.closedErr != nil {
		err := c.closedErr
		c.mu.Unlock()
		return nil, err
	}
	c.seq++
	id := c.sessionID + ":" + strconv.FormatUint(c.seq, 10)
	sessionID := c.sessionID
	c.mu.Unlock()

	data, err := c.enc.Request(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	_, span := tracing.TraceOutboundRequest(ctx, sessionID, method, id)
	f := &Future{ID: id, Method: method, c: c, done: make(chan struct{})}
	p := &pending{id: id, method: method, at: c.clock.Now(), future: f, span: span}

	c.mu.Lock()
	if c.closedErr != nil {
		err := c.closedErr
		c.mu.Unlock()
		tracing.EndSpan(span, err)
		return nil, err
	}
	p.timer = c.clock.AfterFunc(c.timeout, func() { c.expire(id) })
	c.pending[id] = p
	c.mu.Unlock()

	c.logger.Debug("sending request", zap.String("id", id), zap.String("method", method), zap.ByteString("line", data))
	if err := c.w.Write(data); err != nil {
		if c.take(id) != nil {
			p.timer.Stop()
		}
		err = fmt.Errorf("write %s: %w", method, err)
		tracing.EndSpan(span, err)
		return nil, err
	}

	c.record(timeline.Entry{Kind: timeline.KindRequestSent, SessionID: sessionID, Method: method, RequestID: id})
	return f, nil
}

// Resolve settles the pending request matching resp.ID. It reports false,
// changing nothing, when no request with that id is pending.
func (c *Correlator) Resolve(resp *droid.Response) bool {
	p := c.take(resp.ID)
	if p == nil {
		c.logger.Debug("dropping unmatched response", zap.String("id", resp.ID))
		c.record(timeline.Entry{Kind: timeline.KindResponseUnmatched, RequestID: resp.ID})
		return false
	}
	p.timer.Stop()

	entry := timeline.Entry{Kind: timeline.KindResponseReceived, Method: p.method, RequestID: p.id,
		Attrs: map[string]string{"latency": c.clock.Now().Sub(p.at).String()}}
	if resp.Error != nil {
		entry.Detail = resp.Error.Message
		tracing.EndSpan(p.span, resp.Error)
	} else {
		tracing.EndSpan(p.span, nil)
	}
	c.record(entry)

	p.future.settle(resp, nil)
	return true
}

// Shutdown rejects every pending request with ErrSessionEnded (wrapping
// cause when given) and refuses further requests. Later calls do nothing.
func (c *Correlator) Shutdown(cause error) {
	err := ErrSessionEnded
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrSessionEnded, cause)
	}

	c.mu.Lock()
	if c.closedErr != nil {
		c.mu.Unlock()
		return
	}
	c.closedErr = err
	drained := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range drained {
		p.timer.Stop()
		tracing.EndSpan(p.span, err)
		p.future.settle(nil, err)
	}
	if len(drained) > 0 {
		c.logger.Debug("rejected pending requests on shutdown", zap.Int("count", len(drained)))
	}
}

// Call issues a request, waits for it and decodes the result into out (which
// may be nil). An error carried by the response is returned as *droid.Error.
func (c *Correlator) Call(ctx context.Context, method string, params, out any) error {
	f, err := c.Issue(ctx, method, params)
	if err != nil {
		return err
	}
	resp, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Correlator) expire(id string) {
	p := c.take(id)
	if p == nil {
		return
	}
	err := &TimeoutError{Method: p.method, ID: id, Timeout: c.timeout}
	c.logger.Warn("request timed out", zap.String("id", id), zap.String("method", p.method))
	c.record(timeline.Entry{Kind: timeline.KindRequestTimeout, Method: p.method, RequestID: id})
	tracing.EndSpan(p.span, err)
	p.future.settle(nil, err)
}

// abandon drops a request whose waiter gave up. A late response is then
// treated as unmatched.
func (c *Correlator) abandon(id string, cause error) {
	p := c.take(id)
	if p == nil {
		return
	}
	p.timer.Stop()
	tracing.EndSpan(p.span, cause)
	p.future.settle(nil, cause)
}

func (c *Correlator) take(id string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Correlator) record(e timeline.Entry) {
	if c.timeline == nil {
		return
	}
	if e.SessionID == "" {
		c.mu.Lock()
		e.SessionID = c.sessionID
		c.mu.Unlock()
	}
	c.timeline.Append(e)
}

// Future is the eventual outcome of one outbound request.
type Future struct {
	ID     string
	Method string

	c    *Correlator
	once sync.Once
	done chan struct{}
	resp *droid.Response
	err  error
}

// Done is closed when the request settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the request settles or ctx ends. Cancelling ctx abandons
// the request.
func (f *Future) Wait(ctx context.Context) (*droid.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		f.c.abandon(f.ID, ctx.Err())
		<-f.done
		return f.resp, f.err
	}
}

func (f *Future) settle(resp *droid.Response, err error) {
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
	})
}
