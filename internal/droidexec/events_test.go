package droidexec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestHub_DeliversInOrderToAllSubscribers(t *testing.T) {
	h := newHub(logger.NewNop(), 0)

	var mu sync.Mutex
	var a, b []string
	h.subscribe(func(ev Event) {
		mu.Lock()
		a = append(a, ev.SessionID)
		mu.Unlock()
	})
	h.subscribe(func(ev Event) {
		mu.Lock()
		b = append(b, ev.SessionID)
		mu.Unlock()
	})

	for _, id := range []string{"1", "2", "3"} {
		h.publish(Event{Type: EventWorkingState, SessionID: id})
	}
	h.close()

	assert.Equal(t, []string{"1", "2", "3"}, a)
	assert.Equal(t, []string{"1", "2", "3"}, b)
}

func TestHub_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	h := newHub(logger.NewNop(), 0)
	var got []string
	h.subscribe(func(Event) { panic("boom") })
	h.subscribe(func(ev Event) { got = append(got, ev.SessionID) })

	h.publish(Event{SessionID: "a"})
	h.publish(Event{SessionID: "b"})
	h.close()

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := newHub(logger.NewNop(), 0)
	defer h.close()

	delivered := make(chan string, 4)
	unsubscribe := h.subscribe(func(ev Event) { delivered <- ev.SessionID })

	h.publish(Event{SessionID: "before"})
	select {
	case id := <-delivered:
		assert.Equal(t, "before", id)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	unsubscribe()
	unsubscribe()
	h.publish(Event{SessionID: "after"})
	h.close()
	assert.Empty(t, delivered)
}

func TestHub_PublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	h := newHub(logger.NewNop(), 0)
	release := make(chan struct{})
	h.subscribe(func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.publish(Event{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
	close(release)
	h.close()
}

func TestHub_FlushWaitsForEarlierEvents(t *testing.T) {
	h := newHub(logger.NewNop(), 0)
	defer h.close()

	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	h.subscribe(func(ev Event) {
		if ev.SessionID == "slow" {
			<-release
		}
		mu.Lock()
		got = append(got, ev.SessionID)
		mu.Unlock()
	})

	h.publish(Event{SessionID: "slow"})
	h.publish(Event{SessionID: "next"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.flush(ctx), context.DeadlineExceeded)

	close(release)
	assert.NoError(t, h.flush(context.Background()))
	mu.Lock()
	assert.Equal(t, []string{"slow", "next"}, got)
	mu.Unlock()
}

func TestHub_DropsEventsBeyondLimit(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHub(logger.FromZap(zap.New(core)), 3)
	defer h.close()

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	h.subscribe(func(ev Event) {
		if ev.SessionID == "0" {
			close(started)
			<-release
		}
		mu.Lock()
		got = append(got, ev.SessionID)
		mu.Unlock()
	})

	h.publish(Event{SessionID: "0"})
	<-started
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		h.publish(Event{SessionID: id})
	}
	close(release)
	require.NoError(t, h.flush(context.Background()))

	mu.Lock()
	assert.Equal(t, []string{"0", "1", "2", "3"}, got)
	mu.Unlock()

	assert.Equal(t, 1, logs.FilterMessage("event queue full, dropping events").Len())
	drained := logs.FilterMessage("event queue drained after overflow").All()
	require.Len(t, drained, 1)
	assert.Equal(t, int64(2), drained[0].ContextMap()["dropped"])

	h.mu.Lock()
	assert.Zero(t, h.dropped)
	h.mu.Unlock()
}
