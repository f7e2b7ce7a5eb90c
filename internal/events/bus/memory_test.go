package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.NewNop())
	t.Cleanup(b.Close)
	return b
}

func collect(t *testing.T, b *MemoryEventBus, subject string) (func() []*Event, Subscription) {
	t.Helper()
	var mu sync.Mutex
	var got []*Event
	sub, err := b.Subscribe(subject, func(_ context.Context, e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	return func() []*Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*Event(nil), got...)
	}, sub
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	got, _ := collect(t, b, "droidctl.session.started")

	ev := NewEvent("session.started", "machine-1", map[string]any{"cwd": "/tmp"})
	require.NoError(t, b.Publish(context.Background(), "droidctl.session.started", ev))

	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ev.ID, got()[0].ID)
	assert.Equal(t, "/tmp", got()[0].Data["cwd"])
}

func TestMemoryEventBus_PreservesOrderPerSubscriber(t *testing.T) {
	b := newTestBus(t)
	got, _ := collect(t, b, "droidctl.>")

	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(context.Background(), "droidctl.run.started", NewEvent("run.started", "m", map[string]any{"i": i})))
	}

	require.Eventually(t, func() bool { return len(got()) == 100 }, 2*time.Second, 5*time.Millisecond)
	for i, e := range got() {
		assert.Equal(t, i, e.Data["i"])
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	b := newTestBus(t)
	single, _ := collect(t, b, "droidctl.session.*")
	tail, _ := collect(t, b, "droidctl.>")
	exact, _ := collect(t, b, "droidctl.run.finished")

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "droidctl.session.started", NewEvent("a", "m", nil)))
	require.NoError(t, b.Publish(ctx, "droidctl.run.finished", NewEvent("b", "m", nil)))
	require.NoError(t, b.Publish(ctx, "other.run.finished", NewEvent("c", "m", nil)))

	require.Eventually(t, func() bool { return len(tail()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(single()) == 1 && len(exact()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", single()[0].Type)
	assert.Equal(t, "b", exact()[0].Type)
}

func TestCompilePattern(t *testing.T) {
	assert.Nil(t, compilePattern("a.b.c"))

	re := compilePattern("a.*.c")
	require.NotNil(t, re)
	assert.True(t, re.MatchString("a.b.c"))
	assert.False(t, re.MatchString("a.b.x.c"))

	re = compilePattern("a.>")
	require.NotNil(t, re)
	assert.True(t, re.MatchString("a.b.c"))
	assert.False(t, re.MatchString("a"))
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	got, sub := collect(t, b, "x.y")
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "x.y", NewEvent("t", "m", nil)))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got())
}

func TestMemoryEventBus_HandlerFailuresDoNotStopDelivery(t *testing.T) {
	b := newTestBus(t)
	var mu sync.Mutex
	calls := 0
	_, err := b.Subscribe("x", func(context.Context, *Event) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			return errors.New("boom")
		case 2:
			panic("handler bug")
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), "x", NewEvent("t", "m", nil)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	_, sub := collect(t, b, "x")
	b.Close()
	b.Close()

	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())
	assert.ErrorIs(t, b.Publish(context.Background(), "x", NewEvent("t", "m", nil)), ErrClosed)
	_, err := b.Subscribe("x", func(context.Context, *Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
