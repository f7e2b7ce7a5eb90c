package bus

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/kandev/droidctl/internal/common/logger"
	"go.uber.org/zap"
)

// ErrClosed is returned by a closed bus.
var ErrClosed = errors.New("event bus is closed")

// MemoryEventBus is an in-process EventBus. Each subscription has its own
// delivery goroutine, so a subscriber sees events in publish order.
type MemoryEventBus struct {
	logger *logger.Logger

	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact subjects
	handler EventHandler

	mu     sync.Mutex
	queue  []delivery
	active bool
	wake   chan struct{}
	stop   chan struct{}
	once   sync.Once
}

type delivery struct {
	ctx     context.Context
	subject string
	event   *Event
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{logger: log.WithComponent("memory-bus")}
}

// Publish enqueues event for every matching subscription. It never blocks on
// a handler.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	// Handlers outlive the publisher's request scope.
	ctx = context.WithoutCancel(ctx)
	for _, sub := range b.subs {
		if matches(subject, sub.subject, sub.pattern) {
			sub.enqueue(delivery{ctx: ctx, subject: subject, event: event})
		}
	}
	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers handler for subject, which may contain wildcards.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	b.subs = append(b.subs, sub)
	go sub.run()

	b.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close stops every subscription. Queued but undelivered events are dropped.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deactivate()
	}
	b.logger.Info("memory event bus closed")
}

// IsConnected reports whether the bus is still open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Unsubscribe stops delivery to this subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.remove(s)
	s.deactivate()
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) deactivate() {
	s.once.Do(func() {
		s.mu.Lock()
		s.active = false
		s.queue = nil
		s.mu.Unlock()
		close(s.stop)
	})
}

func (s *memorySubscription) enqueue(d delivery) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if !s.active || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			d := s.queue[0]
			s.queue[0] = delivery{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.deliver(d)
		}
	}
}

func (s *memorySubscription) deliver(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("event handler panicked",
				zap.String("subject", d.subject),
				zap.Any("panic", r))
		}
	}()
	if err := s.handler(d.ctx, d.event); err != nil {
		s.bus.logger.Error("event handler error",
			zap.String("subject", d.subject),
			zap.String("event_type", d.event.Type),
			zap.Error(err))
	}
}

// matches reports whether subject satisfies pattern.
func matches(subject, pattern string, re *regexp.Regexp) bool {
	if re == nil {
		return subject == pattern
	}
	return re.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to an anchored regexp, or nil
// when the pattern has no wildcards.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
