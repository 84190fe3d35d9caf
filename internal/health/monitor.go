// Package health estimates remote reachability from periodic probes and
// publishes state transitions. The monitor is the single source of the
// online/offline signal the sync engine keys off; other components
// subscribe rather than probing on their own.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mkoskela/tether/internal/pubsub"
)

// State is the monitor's coarse connection state.
type State string

const (
	StateOffline    State = "offline"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateDegraded   State = "degraded"
)

// Quality buckets a successful probe's latency.
type Quality string

const (
	QualityExcellent Quality = "excellent" // < 200ms
	QualityGood      Quality = "good"      // < 500ms
	QualityPoor      Quality = "poor"      // >= 500ms
	QualityOffline   Quality = "offline"
)

const (
	excellentLatency = 200 * time.Millisecond
	goodLatency      = 500 * time.Millisecond

	windowSize = 10

	defaultProbeInterval = 30 * time.Second
	defaultBaseBackoff   = time.Second
	maxBackoff           = 30 * time.Second
	defaultMaxAttempts   = 8
)

// EventKind distinguishes the transitions a Status event announces.
type EventKind string

const (
	EventConnectionChanged EventKind = "connection_changed"
	EventReconnected       EventKind = "reconnected"
	EventConnectionLost    EventKind = "connection_lost"
)

// Status is a snapshot recomputed on every probe.
type Status struct {
	State             State
	IsOnline          bool
	Quality           Quality
	Latency           time.Duration
	Score             int // 0-100 composite over the sample window
	ReconnectAttempts int
	LastConnected     time.Time
}

// Event is published on structural state change only; repeated identical
// states do not re-fire.
type Event struct {
	Kind   EventKind
	Status Status
}

// Prober is the minimal probe surface. Implemented by remote.Store.
type Prober interface {
	Ping(ctx context.Context) (time.Duration, error)
}

type sample struct {
	ok      bool
	latency time.Duration
}

// Options tune the monitor; zero values take defaults.
type Options struct {
	ProbeInterval time.Duration
	BaseBackoff   time.Duration
	MaxAttempts   int // failed probes before the monitor parks offline
}

// Monitor drives the probe loop. Create with New, start with Run.
type Monitor struct {
	prober Prober
	events *pubsub.Emitter[Event]
	logger *slog.Logger
	opts   Options

	nowFunc func() time.Time

	wake chan struct{}

	mu       sync.Mutex
	state    State
	status   Status
	window   []sample
	attempts int
	parked   bool
}

func New(prober Prober, logger *slog.Logger, opts Options) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}

	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	return &Monitor{
		prober:  prober,
		events:  pubsub.New[Event](logger),
		logger:  logger,
		opts:    opts,
		nowFunc: time.Now,
		wake:    make(chan struct{}, 1),
		state:   StateOffline,
		status: Status{
			State:   StateOffline,
			Quality: QualityOffline,
		},
	}
}

// Subscribe registers a handler for state-change events.
func (m *Monitor) Subscribe(fn func(Event)) pubsub.Subscription {
	return m.events.Subscribe(fn)
}

// Status returns the latest snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// Online reports whether the last probe succeeded.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status.IsOnline
}

// Wake forces an immediate probe, clearing a parked-offline monitor.
// Callers use it for OS network-presence signals and manual retry.
func (m *Monitor) Wake() {
	m.mu.Lock()
	m.parked = false
	m.attempts = 0
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run probes until ctx is canceled. Probe failures back off
// exponentially up to 30s; after MaxAttempts consecutive failures the
// monitor parks offline until Wake is called.
func (m *Monitor) Run(ctx context.Context) {
	for {
		m.mu.Lock()
		parked := m.parked
		m.mu.Unlock()

		if parked {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			}
		}

		m.Probe(ctx)

		delay := m.nextDelay()

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-time.After(delay):
		}
	}
}

// Probe performs a single health check and updates the status snapshot.
func (m *Monitor) Probe(ctx context.Context) Status {
	m.transitionIfOffline(StateConnecting)

	latency, err := m.prober.Ping(ctx)
	if err != nil {
		return m.recordFailure(err)
	}

	return m.recordSuccess(latency)
}

func (m *Monitor) transitionIfOffline(next State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateOffline {
		m.state = next
	}
}

func (m *Monitor) recordSuccess(latency time.Duration) Status {
	m.mu.Lock()

	wasOnline := m.status.IsOnline
	prevState := m.status.State

	m.pushSample(sample{ok: true, latency: latency})
	m.attempts = 0
	m.parked = false

	quality := qualityFor(latency)
	score := m.compositeScore()

	state := StateConnected
	if quality == QualityPoor {
		state = StateDegraded
	}

	m.state = state
	m.status = Status{
		State:             state,
		IsOnline:          true,
		Quality:           quality,
		Latency:           latency,
		Score:             score,
		ReconnectAttempts: 0,
		LastConnected:     m.nowFunc(),
	}
	snap := m.status
	m.mu.Unlock()

	if !wasOnline {
		m.logger.Info("connection restored",
			slog.Duration("latency", latency),
			slog.String("quality", string(quality)),
		)
		m.events.Publish(Event{Kind: EventReconnected, Status: snap})
		m.events.Publish(Event{Kind: EventConnectionChanged, Status: snap})
	} else if state != prevState {
		// Connected <-> Degraded is a structural change too.
		m.logger.Info("connection state changed",
			slog.String("from", string(prevState)),
			slog.String("to", string(state)),
		)
		m.events.Publish(Event{Kind: EventConnectionChanged, Status: snap})
	}

	return snap
}

func (m *Monitor) recordFailure(err error) Status {
	m.mu.Lock()

	wasOnline := m.status.IsOnline

	m.pushSample(sample{ok: false})
	m.attempts++

	if m.attempts >= m.opts.MaxAttempts {
		m.parked = true
	}

	last := m.status.LastConnected
	m.state = StateOffline
	m.status = Status{
		State:             StateOffline,
		IsOnline:          false,
		Quality:           QualityOffline,
		Score:             m.compositeScore(),
		ReconnectAttempts: m.attempts,
		LastConnected:     last,
	}
	snap := m.status
	parked := m.parked
	m.mu.Unlock()

	m.logger.Warn("health probe failed",
		slog.Int("attempt", snap.ReconnectAttempts),
		slog.Bool("parked", parked),
		slog.Any("error", err),
	)

	if wasOnline {
		m.events.Publish(Event{Kind: EventConnectionLost, Status: snap})
		m.events.Publish(Event{Kind: EventConnectionChanged, Status: snap})
	}

	return snap
}

// nextDelay picks the wait before the next probe: the regular interval
// while online, exponential backoff capped at 30s while offline.
func (m *Monitor) nextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.IsOnline {
		return m.opts.ProbeInterval
	}

	delay := m.opts.BaseBackoff
	for i := 1; i < m.attempts; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}

	if delay > maxBackoff {
		delay = maxBackoff
	}

	return delay
}

func (m *Monitor) pushSample(s sample) {
	m.window = append(m.window, s)
	if len(m.window) > windowSize {
		m.window = m.window[len(m.window)-windowSize:]
	}
}

// compositeScore rates the sample window 0-100:
// 0.4*latency + 0.4*success rate + 0.2*stability, where stability is
// the fraction of consecutive samples with the same outcome.
func (m *Monitor) compositeScore() int {
	if len(m.window) == 0 {
		return 0
	}

	var successes int

	var latencySum float64

	for _, s := range m.window {
		if s.ok {
			successes++
			latencySum += latencyScore(s.latency)
		}
	}

	successRate := float64(successes) / float64(len(m.window))

	var latencyAvg float64
	if successes > 0 {
		latencyAvg = latencySum / float64(successes)
	}

	stability := 1.0

	if len(m.window) > 1 {
		same := 0

		for i := 1; i < len(m.window); i++ {
			if m.window[i].ok == m.window[i-1].ok {
				same++
			}
		}

		stability = float64(same) / float64(len(m.window)-1)
	}

	score := 0.4*latencyAvg + 0.4*successRate*100 + 0.2*stability*100

	return int(score + 0.5)
}

// latencyScore maps a latency to 0-100, full marks under the excellent
// threshold and zero at or beyond 2s.
func latencyScore(latency time.Duration) float64 {
	const floor = 2 * time.Second

	if latency <= excellentLatency {
		return 100
	}

	if latency >= floor {
		return 0
	}

	span := float64(floor - excellentLatency)

	return 100 * (1 - float64(latency-excellentLatency)/span)
}

func qualityFor(latency time.Duration) Quality {
	switch {
	case latency < excellentLatency:
		return QualityExcellent
	case latency < goodLatency:
		return QualityGood
	default:
		return QualityPoor
	}
}
