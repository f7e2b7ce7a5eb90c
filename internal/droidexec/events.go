package droidexec

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/droidctl/internal/common/logger"
	"go.uber.org/zap"
)

// EventType names an exec event.
type EventType string

const (
	EventSessionStarted  EventType = "session.started"
	EventSessionRekeyed  EventType = "session.rekeyed"
	EventSessionDisposed EventType = "session.disposed"
	EventWorkingState    EventType = "session.working_state"
	EventAssistantDelta  EventType = "session.assistant_delta"
	EventAgentError      EventType = "session.agent_error"
	EventNotification    EventType = "session.notification"
	EventPermission      EventType = "session.permission"
	EventProtocolError   EventType = "session.protocol_error"
	EventProcessError    EventType = "session.process_error"
	EventProcessExit     EventType = "session.process_exit"
	EventRunStarted      EventType = "run.started"
	EventRunFinished     EventType = "run.finished"
)

// Event is delivered to every OnEvent subscriber, in publish order.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// hub fans events out to subscribers on a single goroutine. Publish never
// blocks the dispatch loop: at most limit events wait for delivery, and
// events published while the queue is full are dropped and counted.
type hub struct {
	logger *logger.Logger
	limit  int

	mu      sync.Mutex
	subs    []*subscriber
	nextID  int
	queue   []queued
	pending int
	dropped int
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// queued is an event, or a barrier closed once everything before it has
// been delivered.
type queued struct {
	ev      Event
	barrier chan struct{}
}

type subscriber struct {
	id int
	fn func(Event)
}

func newHub(log *logger.Logger, limit int) *hub {
	if limit <= 0 {
		limit = DefaultEventQueueLimit
	}
	h := &hub{
		logger: log,
		limit:  limit,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *hub) subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, &subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, s := range h.subs {
				if s.id == id {
					h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if h.pending >= h.limit {
		h.dropped++
		first := h.dropped == 1
		h.mu.Unlock()
		if first {
			h.logger.Warn("event queue full, dropping events",
				zap.Int("limit", h.limit),
				zap.String("event_type", string(ev.Type)))
		}
		return
	}
	h.queue = append(h.queue, queued{ev: ev})
	h.pending++
	h.mu.Unlock()
	h.signal()
}

// flush returns once every event published before the call was delivered.
func (h *hub) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.queue = append(h.queue, queued{barrier: barrier})
	h.mu.Unlock()
	h.signal()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *hub) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// close delivers what is already queued, then stops.
func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.signal()
	<-h.done
}

func (h *hub) run() {
	defer close(h.done)
	for range h.wake {
		for {
			h.mu.Lock()
			if len(h.queue) == 0 {
				closed := h.closed
				h.mu.Unlock()
				if closed {
					return
				}
				break
			}
			item := h.queue[0]
			h.queue[0] = queued{}
			h.queue = h.queue[1:]
			if item.barrier != nil {
				h.mu.Unlock()
				close(item.barrier)
				continue
			}
			ev := item.ev
			h.pending--
			dropped := 0
			if h.pending == 0 && h.dropped > 0 {
				dropped, h.dropped = h.dropped, 0
			}
			subs := make([]*subscriber, len(h.subs))
			copy(subs, h.subs)
			h.mu.Unlock()

			if dropped > 0 {
				h.logger.Warn("event queue drained after overflow", zap.Int("dropped", dropped))
			}

			for _, s := range subs {
				h.deliver(s, ev)
			}
		}
	}
}

func (h *hub) deliver(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event subscriber panicked",
				zap.String("event_type", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	s.fn(ev)
}
