package health

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}

// scriptedProber returns its results in order, repeating the last one.
type scriptedProber struct {
	results []probeResult
	calls   int
}

type probeResult struct {
	latency time.Duration
	err     error
}

func (p *scriptedProber) Ping(context.Context) (time.Duration, error) {
	i := p.calls
	if i >= len(p.results) {
		i = len(p.results) - 1
	}

	p.calls++

	r := p.results[i]

	return r.latency, r.err
}

func up(latency time.Duration) probeResult { return probeResult{latency: latency} }

func down() probeResult { return probeResult{err: errors.New("connection refused")} }

func TestProbe_QualityBuckets(t *testing.T) {
	t.Parallel()

	cases := []struct {
		latency time.Duration
		quality Quality
		state   State
	}{
		{150 * time.Millisecond, QualityExcellent, StateConnected},
		{300 * time.Millisecond, QualityGood, StateConnected},
		{700 * time.Millisecond, QualityPoor, StateDegraded},
	}

	for _, tc := range cases {
		m := New(&scriptedProber{results: []probeResult{up(tc.latency)}}, testLogger(t), Options{})

		st := m.Probe(context.Background())

		assert.Equal(t, tc.quality, st.Quality, "latency %v", tc.latency)
		assert.Equal(t, tc.state, st.State, "latency %v", tc.latency)
		assert.True(t, st.IsOnline)
		assert.Equal(t, tc.latency, st.Latency)
		assert.Zero(t, st.ReconnectAttempts)
		assert.False(t, st.LastConnected.IsZero())
	}
}

func TestProbe_FailureGoesOffline(t *testing.T) {
	t.Parallel()

	m := New(&scriptedProber{results: []probeResult{down()}}, testLogger(t), Options{})

	st := m.Probe(context.Background())

	assert.Equal(t, StateOffline, st.State)
	assert.False(t, st.IsOnline)
	assert.Equal(t, QualityOffline, st.Quality)
	assert.Equal(t, 1, st.ReconnectAttempts)
}

func TestProbe_EventsFireOnlyOnStructuralChange(t *testing.T) {
	t.Parallel()

	p := &scriptedProber{results: []probeResult{
		up(100 * time.Millisecond),
		up(120 * time.Millisecond),
		down(),
		down(),
		up(90 * time.Millisecond),
	}}
	m := New(p, testLogger(t), Options{})

	var kinds []EventKind

	m.Subscribe(func(ev Event) {
		kinds = append(kinds, ev.Kind)
	})

	ctx := context.Background()
	for range 5 {
		m.Probe(ctx)
	}

	// First success, first failure, and the recovery each publish;
	// repeated identical states stay silent.
	assert.Equal(t, []EventKind{
		EventReconnected, EventConnectionChanged,
		EventConnectionLost, EventConnectionChanged,
		EventReconnected, EventConnectionChanged,
	}, kinds)
}

func TestProbe_DegradedTransitionPublishesChange(t *testing.T) {
	t.Parallel()

	p := &scriptedProber{results: []probeResult{
		up(50 * time.Millisecond),  // connected
		up(900 * time.Millisecond), // degraded
		up(850 * time.Millisecond), // still degraded, silent
		up(60 * time.Millisecond),  // back to connected
	}}
	m := New(p, testLogger(t), Options{})

	var changes []State

	m.Subscribe(func(ev Event) {
		if ev.Kind == EventConnectionChanged {
			changes = append(changes, ev.Status.State)
		}
	})

	ctx := context.Background()
	for range 4 {
		m.Probe(ctx)
	}

	assert.Equal(t, []State{StateConnected, StateDegraded, StateConnected}, changes)
	assert.Equal(t, StateConnected, m.Status().State)
}

func TestProbe_ReconnectResetsAttempts(t *testing.T) {
	t.Parallel()

	p := &scriptedProber{results: []probeResult{
		down(), down(), down(),
		up(100 * time.Millisecond),
	}}
	m := New(p, testLogger(t), Options{})

	ctx := context.Background()
	for range 3 {
		m.Probe(ctx)
	}

	require.Equal(t, 3, m.Status().ReconnectAttempts)

	st := m.Probe(ctx)
	assert.Zero(t, st.ReconnectAttempts)
	assert.True(t, st.IsOnline)
}

func TestProbe_ParksAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	m := New(&scriptedProber{results: []probeResult{down()}}, testLogger(t),
		Options{MaxAttempts: 2})

	ctx := context.Background()
	m.Probe(ctx)
	require.False(t, m.parked)

	m.Probe(ctx)
	require.True(t, m.parked)

	m.Wake()
	assert.False(t, m.parked)
	assert.Zero(t, m.attempts)
}

func TestNextDelay_BackoffCappedAndMonotone(t *testing.T) {
	t.Parallel()

	m := New(&scriptedProber{results: []probeResult{down()}}, testLogger(t),
		Options{BaseBackoff: time.Second, MaxAttempts: 100})

	ctx := context.Background()

	var prev time.Duration

	for range 12 {
		m.Probe(ctx)

		d := m.nextDelay()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, maxBackoff)
		prev = d
	}

	assert.Equal(t, maxBackoff, prev)
}

func TestNextDelay_RegularIntervalWhileOnline(t *testing.T) {
	t.Parallel()

	m := New(&scriptedProber{results: []probeResult{up(50 * time.Millisecond)}},
		testLogger(t), Options{ProbeInterval: 10 * time.Second})

	m.Probe(context.Background())

	assert.Equal(t, 10*time.Second, m.nextDelay())
}

func TestCompositeScore(t *testing.T) {
	t.Parallel()

	t.Run("all fast successes score 100", func(t *testing.T) {
		t.Parallel()

		m := New(&scriptedProber{results: []probeResult{up(50 * time.Millisecond)}},
			testLogger(t), Options{})

		ctx := context.Background()
		for range windowSize {
			m.Probe(ctx)
		}

		assert.Equal(t, 100, m.Status().Score)
	})

	t.Run("failures drag the score down", func(t *testing.T) {
		t.Parallel()

		p := &scriptedProber{results: []probeResult{
			up(50 * time.Millisecond), down(),
			up(50 * time.Millisecond), down(),
			up(50 * time.Millisecond), down(),
		}}
		m := New(p, testLogger(t), Options{MaxAttempts: 100})

		ctx := context.Background()
		for range 6 {
			m.Probe(ctx)
		}

		score := m.Status().Score
		assert.Less(t, score, 70, "flapping connection must not look healthy")
		assert.Greater(t, score, 0)
	})
}

func TestLatencyScore(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 100, latencyScore(50*time.Millisecond), 0.001)
	assert.InDelta(t, 100, latencyScore(200*time.Millisecond), 0.001)
	assert.InDelta(t, 0, latencyScore(2*time.Second), 0.001)
	assert.InDelta(t, 0, latencyScore(5*time.Second), 0.001)

	mid := latencyScore(1100 * time.Millisecond)
	assert.InDelta(t, 50, mid, 0.5)
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	m := New(&scriptedProber{results: []probeResult{up(10 * time.Millisecond)}},
		testLogger(t), Options{ProbeInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		m.Run(ctx)
		close(done)
	}()

	// Let the first probe land, then cancel.
	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
