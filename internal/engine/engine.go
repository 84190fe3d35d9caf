// Package engine drains the durable action queue against the remote
// record store. It runs only on the primary tab, executes batches with
// bounded concurrency, consults the conflict resolver on divergence, and
// reschedules transient failures with capped exponential backoff. An
// action leaves the queue only through success, explicit cancel, or the
// permanent-failure log.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mkoskela/tether/internal/conflict"
	"github.com/mkoskela/tether/internal/pubsub"
	"github.com/mkoskela/tether/internal/queue"
	"github.com/mkoskela/tether/internal/remote"
)

const (
	defaultBatchSize     = 20
	defaultMaxConcurrent = 3
	defaultActionTimeout = 30 * time.Second
	defaultBaseDelay     = time.Second
	defaultCapDelay      = time.Minute
	defaultInterval      = 30 * time.Second
	defaultCacheTTL      = 5 * time.Minute

	maxJitter = time.Second
)

// RecordStore is the remote surface the engine dispatches against.
// Implemented by remote.RecoveredStore (and the raw remote.Store);
// tests use fakes.
type RecordStore interface {
	Insert(ctx context.Context, table string, payload json.RawMessage, idemKey string) (remote.Record, error)
	Update(ctx context.Context, table, key string, payload json.RawMessage, idemKey string) (remote.Record, error)
	Delete(ctx context.Context, table, key, idemKey string) error
	Select(ctx context.Context, table string, filter map[string]string) ([]remote.Record, error)
}

// PrimaryGate reports whether this tab may drive sync. Implemented by
// tabs.Coordinator; nil gates nothing (single-tab mode).
type PrimaryGate interface {
	IsPrimary() bool
}

// Progress is published after every settled action in a cycle.
type Progress struct {
	Total      int
	Completed  int
	Failed     int
	InProgress int
	Percentage float64
}

// Synced is published when an action lands on the server. Record carries
// the server's version, including a server-assigned id for creates.
type Synced struct {
	ActionID string
	Record   remote.Record
}

// Failure is published when an action exhausts its retries and moves to
// the permanent-failure log.
type Failure struct {
	Action queue.Action
	Reason string
}

// Result summarizes one sync cycle.
type Result struct {
	Synced    int
	Failed    int
	Conflicts int
	Held      int      // blocked awaiting manual resolution
	Skipped   bool     // not primary, nothing ran
	Errors    []string // permanent-failure diagnostics, capped
	Duration  time.Duration
}

// Status is the caller-facing snapshot.
type Status struct {
	IsOffline      bool
	PendingActions int
	LastSync       time.Time
}

// Options tune the engine; zero values take defaults.
type Options struct {
	BatchSize          int
	MaxConcurrentSyncs int
	ActionTimeout      time.Duration
	BaseDelay          time.Duration
	CapDelay           time.Duration
	Interval           time.Duration
	CacheTTL           time.Duration
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}

	if o.MaxConcurrentSyncs <= 0 {
		o.MaxConcurrentSyncs = defaultMaxConcurrent
	}

	if o.ActionTimeout <= 0 {
		o.ActionTimeout = defaultActionTimeout
	}

	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}

	if o.CapDelay <= 0 {
		o.CapDelay = defaultCapDelay
	}

	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}

	if o.CacheTTL <= 0 {
		o.CacheTTL = defaultCacheTTL
	}
}

// Engine coordinates queue draining. Construct with New, start the
// periodic trigger with Run, or drive cycles directly with ForceSync.
type Engine struct {
	store    *queue.Store
	cache    *queue.Cache // nil disables write-through
	records  RecordStore
	resolver *conflict.Resolver
	gate     PrimaryGate
	online   func() bool // nil means always online
	logger   *slog.Logger
	opts     Options

	progress  *pubsub.Emitter[Progress]
	conflicts *pubsub.Emitter[conflict.Resolution]
	failures  *pubsub.Emitter[Failure]
	synced    *pubsub.Emitter[Synced]

	nowFunc  func() time.Time
	randFunc func() float64 // jitter source

	kick chan struct{}

	mu      sync.Mutex
	running bool
}

// New creates an Engine. cache, gate, and online are optional.
func New(store *queue.Store, cache *queue.Cache, records RecordStore, resolver *conflict.Resolver, gate PrimaryGate, online func() bool, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	if resolver == nil {
		resolver = conflict.NewResolver()
	}

	opts.applyDefaults()

	return &Engine{
		store:     store,
		cache:     cache,
		records:   records,
		resolver:  resolver,
		gate:      gate,
		online:    online,
		logger:    logger,
		opts:      opts,
		progress:  pubsub.New[Progress](logger),
		conflicts: pubsub.New[conflict.Resolution](logger),
		failures:  pubsub.New[Failure](logger),
		synced:    pubsub.New[Synced](logger),
		nowFunc:   time.Now,
		randFunc:  rand.Float64,
		kick:      make(chan struct{}, 1),
	}
}

// OnProgress subscribes to per-action progress updates.
func (e *Engine) OnProgress(fn func(Progress)) pubsub.Subscription {
	return e.progress.Subscribe(fn)
}

// OnConflict subscribes to detected conflicts, including those held for
// manual resolution.
func (e *Engine) OnConflict(fn func(conflict.Resolution)) pubsub.Subscription {
	return e.conflicts.Subscribe(fn)
}

// OnError subscribes to permanent failures. Exhausted actions are always
// announced here, never dropped silently.
func (e *Engine) OnError(fn func(Failure)) pubsub.Subscription {
	return e.failures.Subscribe(fn)
}

// OnSynced subscribes to per-action success notifications.
func (e *Engine) OnSynced(fn func(Synced)) pubsub.Subscription {
	return e.synced.Subscribe(fn)
}

// Enqueue persists an action for later sync and returns its id. The call
// never waits on the network; followers enqueue too, only the primary
// drains.
func (e *Engine) Enqueue(ctx context.Context, a *queue.Action) (string, error) {
	return e.store.Enqueue(ctx, a)
}

// Cancel cancels a queued action. Undispatched actions are removed
// outright; an in-flight one is flagged best-effort.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	return e.store.Cancel(ctx, id)
}

// Kick requests a sync cycle from the Run loop without waiting for the
// next tick. Wired to the health monitor's reconnect event.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run reclaims stale dispatched actions from a previous crash, then
// cycles on the configured interval and on Kick until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	if n, err := e.store.ReclaimStale(ctx); err != nil {
		e.logger.Warn("reclaiming stale actions failed", slog.Any("error", err))
	} else if n > 0 {
		e.logger.Info("reclaimed stale actions", slog.Int("count", n))
	}

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}

		if _, err := e.ForceSync(ctx); err != nil {
			e.logger.Warn("sync cycle failed", slog.Any("error", err))
		}

		e.housekeep()
	}
}

// housekeep runs per-tick maintenance: sweep expired cache entries so
// the cache file doesn't accumulate dead weight between reads.
func (e *Engine) housekeep() {
	if e.cache == nil {
		return
	}

	n, err := e.cache.Sweep()
	if err != nil {
		e.logger.Warn("cache sweep failed", slog.Any("error", err))

		return
	}

	if n > 0 {
		e.logger.Debug("swept expired cache entries", slog.Int("count", n))
	}
}

// Status reports queue occupancy and connectivity for callers.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	counts, err := e.store.Counts(ctx)
	if err != nil {
		return Status{}, err
	}

	lastSync, err := e.store.LastSync(ctx)
	if err != nil {
		return Status{}, err
	}

	offline := false
	if e.online != nil {
		offline = !e.online()
	}

	return Status{
		IsOffline:      offline,
		PendingActions: counts.Total(),
		LastSync:       lastSync,
	}, nil
}

// Supply provides the externally-decided payload for an action held on a
// manual conflict. The action returns to the pending queue and syncs on
// the next cycle.
func (e *Engine) Supply(ctx context.Context, actionID string, resolved json.RawMessage) error {
	if err := e.store.Unblock(ctx, actionID, resolved); err != nil {
		return err
	}

	e.Kick()

	return nil
}
