package pubsub

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}

func TestEmitter_OrderAndDelivery(t *testing.T) {
	t.Parallel()

	e := New[int](testLogger(t))

	var got []int

	e.Subscribe(func(v int) { got = append(got, v*10) })
	e.Subscribe(func(v int) { got = append(got, v*100) })

	e.Publish(3)

	// Registration order is the invocation order.
	require.Equal(t, []int{30, 300}, got)
}

func TestEmitter_Unsubscribe(t *testing.T) {
	t.Parallel()

	e := New[string](testLogger(t))

	var calls int

	sub := e.Subscribe(func(string) { calls++ })
	e.Publish("a")

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	e.Publish("b")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, e.Len())
}

func TestEmitter_UnsubscribeReleasesOrderSlot(t *testing.T) {
	t.Parallel()

	e := New[int](testLogger(t))

	// Subscribe/unsubscribe churn must not grow internal state.
	for i := 0; i < 100; i++ {
		e.Subscribe(func(int) {}).Unsubscribe()
	}

	var got []int

	e.Subscribe(func(v int) { got = append(got, v) })
	e.Subscribe(func(v int) { got = append(got, v*10) })

	e.mu.Lock()
	orderLen := len(e.order)
	e.mu.Unlock()

	assert.Equal(t, 2, orderLen)

	e.Publish(3)
	assert.Equal(t, []int{3, 30}, got)
}

func TestEmitter_PanicIsolation(t *testing.T) {
	t.Parallel()

	e := New[int](testLogger(t))

	var after int

	e.Subscribe(func(int) { panic("boom") })
	e.Subscribe(func(int) { after++ })

	require.NotPanics(t, func() { e.Publish(1) })
	assert.Equal(t, 1, after, "handler after the panicking one must still run")
}

func TestEmitter_UnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()

	e := New[int](testLogger(t))

	var sub Subscription

	var calls int

	sub = e.Subscribe(func(int) {
		calls++
		sub.Unsubscribe()
	})

	e.Publish(1)
	e.Publish(2)

	assert.Equal(t, 1, calls)
}
