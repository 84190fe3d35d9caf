package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mkoskela/tether/internal/conflict"
	"github.com/mkoskela/tether/internal/queue"
	"github.com/mkoskela/tether/internal/remote"
)

// ForceSync runs one full sync cycle: dequeue batches in priority order
// and execute each with bounded concurrency until the queue yields
// nothing eligible. A no-op on non-primary tabs, while offline, and
// while another cycle is running. Skipped cycles never touch retry
// budgets; actions wait in the queue until connectivity returns.
func (e *Engine) ForceSync(ctx context.Context) (Result, error) {
	if e.gate != nil && !e.gate.IsPrimary() {
		return Result{Skipped: true}, nil
	}

	if e.online != nil && !e.online() {
		e.logger.Debug("skipping sync cycle while offline")

		return Result{Skipped: true}, nil
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()

		return Result{Skipped: true}, nil
	}

	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	start := e.nowFunc()
	st := &cycleState{engine: e}

	counts, err := e.store.Counts(ctx)
	if err != nil {
		return Result{}, err
	}

	st.total = counts.Pending

	e.logger.Info("sync cycle starting", slog.Int("pending", counts.Pending))

	for {
		batch, err := e.store.DequeueBatch(ctx, e.opts.BatchSize)
		if err != nil {
			return st.result(e.nowFunc().Sub(start)), err
		}

		if len(batch) == 0 {
			break
		}

		// Batch barrier: the whole batch settles before the next one
		// is pulled, with fan-out bounded inside the batch.
		g := new(errgroup.Group)
		g.SetLimit(e.opts.MaxConcurrentSyncs)

		for i := range batch {
			a := batch[i]

			g.Go(func() error {
				e.processAction(ctx, &a, st)

				return nil
			})
		}

		_ = g.Wait()

		if ctx.Err() != nil {
			break
		}
	}

	res := st.result(e.nowFunc().Sub(start))

	if res.Synced > 0 {
		if err := e.store.SetLastSync(ctx, e.nowFunc()); err != nil {
			e.logger.Warn("recording last sync failed", slog.Any("error", err))
		}
	}

	e.logger.Info("sync cycle complete",
		slog.Int("synced", res.Synced),
		slog.Int("failed", res.Failed),
		slog.Int("conflicts", res.Conflicts),
		slog.Int("held", res.Held),
		slog.Duration("duration", res.Duration),
	)

	return res, ctx.Err()
}

// processAction executes a single dequeued action end to end. The
// network call runs under a hard timeout; queue bookkeeping uses the
// cycle context so a timed-out action can still be rescheduled. A panic
// in one action must not take down the cycle's other workers.
func (e *Engine) processAction(ctx context.Context, a *queue.Action, st *cycleState) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while processing action",
				slog.String("id", a.ID),
				slog.Any("panic", r),
			)

			e.settleFailure(ctx, a, fmt.Errorf("engine: action panicked: %v", r), st)
		}
	}()

	if a.CancelRequested {
		if err := e.store.Remove(ctx, a.ID); err != nil {
			e.logger.Warn("removing canceled action failed",
				slog.String("id", a.ID), slog.Any("error", err))
		}

		st.settleCanceled()

		return
	}

	st.begin()

	actx, cancel := context.WithTimeout(ctx, e.opts.ActionTimeout)
	defer cancel()

	rec, err := e.dispatch(actx, a)
	if err == nil {
		e.settleSuccess(ctx, a, rec, st)

		return
	}

	var conflictErr *remote.ConflictError
	if errors.As(err, &conflictErr) {
		e.resolveConflict(ctx, actx, a, conflictErr, st)

		return
	}

	e.settleFailure(ctx, a, err, st)
}

// dispatch routes the action to the remote store by type. The returned
// record is nil for deletes and queries.
func (e *Engine) dispatch(ctx context.Context, a *queue.Action) (remote.Record, error) {
	switch a.Type {
	case queue.ActionCreate:
		return e.records.Insert(ctx, a.Table, a.Payload, a.IdempotencyKey)

	case queue.ActionUpdate:
		return e.records.Update(ctx, a.Table, a.Key, a.Payload, a.IdempotencyKey)

	case queue.ActionDelete:
		return nil, e.records.Delete(ctx, a.Table, a.Key, a.IdempotencyKey)

	case queue.ActionQuery:
		return nil, e.runQuery(ctx, a)

	default:
		return nil, fmt.Errorf("engine: unknown action type %q", a.Type)
	}
}

// runQuery executes a select and write-throughs each returned record
// into the cache, refreshing reads that were served stale while offline.
func (e *Engine) runQuery(ctx context.Context, a *queue.Action) error {
	var filter map[string]string
	if len(a.Payload) > 0 {
		if err := json.Unmarshal(a.Payload, &filter); err != nil {
			return fmt.Errorf("%w: query filter: %v", remote.ErrValidation, err)
		}
	}

	recs, err := e.records.Select(ctx, a.Table, filter)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		e.cacheRecord(a.Table, rec)
	}

	return nil
}

func (e *Engine) settleSuccess(ctx context.Context, a *queue.Action, rec remote.Record, st *cycleState) {
	if err := e.store.Remove(ctx, a.ID); err != nil {
		e.logger.Warn("removing synced action failed",
			slog.String("id", a.ID), slog.Any("error", err))
	}

	switch a.Type {
	case queue.ActionDelete:
		e.invalidateRecord(a.Table, a.Key)
	default:
		e.cacheRecord(a.Table, rec)
	}

	st.settleSuccess()
	e.synced.Publish(Synced{ActionID: a.ID, Record: rec})
}

// settleFailure applies the retry policy: transient errors go back into
// the queue with backoff until the retry budget runs out, everything
// else is dead on arrival.
func (e *Engine) settleFailure(ctx context.Context, a *queue.Action, cause error, st *cycleState) {
	if !remote.Transient(cause) {
		e.markDead(ctx, a, cause, st)

		return
	}

	if a.RetryCount+1 >= a.MaxRetries {
		e.markDead(ctx, a, cause, st)

		return
	}

	// Unclassifiable failures get one retry on the chance they were a
	// blip, then surface instead of grinding through the full budget.
	if errors.Is(remote.Classify(cause), remote.ErrUnknown) && a.RetryCount >= 1 {
		e.markDead(ctx, a, cause, st)

		return
	}

	delay := e.backoff(a.RetryCount)

	// A server-provided retry-after overrides a shorter computed delay.
	var apiErr *remote.APIError
	if errors.As(cause, &apiErr) && apiErr.RetryAfter > delay {
		delay = apiErr.RetryAfter
	}

	if err := e.store.Reschedule(ctx, a.ID, delay, cause.Error()); err != nil {
		e.logger.Warn("rescheduling action failed",
			slog.String("id", a.ID), slog.Any("error", err))
	}

	e.logger.Debug("action rescheduled",
		slog.String("id", a.ID),
		slog.Int("retry", a.RetryCount+1),
		slog.Duration("delay", delay),
	)

	st.settleRetry()
}

func (e *Engine) markDead(ctx context.Context, a *queue.Action, cause error, st *cycleState) {
	if err := e.store.MarkDead(ctx, a, cause.Error()); err != nil {
		e.logger.Warn("moving action to failure log failed",
			slog.String("id", a.ID), slog.Any("error", err))
	}

	e.logger.Error("action permanently failed",
		slog.String("id", a.ID),
		slog.String("type", string(a.Type)),
		slog.String("table", a.Table),
		slog.Any("error", cause),
	)

	st.settleDead(a.ID, cause.Error())
	e.failures.Publish(Failure{Action: *a, Reason: cause.Error()})
}

// resolveConflict handles a 409: build both sides, ask the resolver, and
// either apply the resolved record or hold the action for a manual
// decision.
func (e *Engine) resolveConflict(ctx, actx context.Context, a *queue.Action, ce *remote.ConflictError, st *cycleState) {
	var clientData map[string]any
	if err := json.Unmarshal(a.Payload, &clientData); err != nil {
		e.settleFailure(ctx, a, fmt.Errorf("%w: conflict payload: %v", remote.ErrValidation, err), st)

		return
	}

	res := e.resolver.Resolve(a.ID, a.Table, ce.Server, clientData)
	e.conflicts.Publish(res)

	if res.Strategy == conflict.Manual || res.ResolvedData == nil {
		if err := e.store.Block(ctx, a.ID, "manual conflict resolution required"); err != nil {
			e.logger.Warn("blocking conflicted action failed",
				slog.String("id", a.ID), slog.Any("error", err))
		}

		e.logger.Info("conflict held for manual resolution",
			slog.String("id", a.ID), slog.String("table", a.Table))

		st.settleHeld()

		return
	}

	resolved, err := json.Marshal(res.ResolvedData)
	if err != nil {
		e.settleFailure(ctx, a, fmt.Errorf("engine: encoding resolved record: %w", err), st)

		return
	}

	// Retry with a fresh idempotency key: the original key now maps to
	// the conflicted attempt on the server side.
	rec, err := e.records.Update(actx, a.Table, a.Key, resolved, uuid.NewString())
	if err != nil {
		e.settleFailure(ctx, a, err, st)

		return
	}

	st.countConflict()
	e.settleSuccess(ctx, a, rec, st)
}

// backoff computes the reschedule delay for a retry:
// min(base*2^retry, cap) plus up to one second of jitter.
func (e *Engine) backoff(retryCount int) time.Duration {
	delay := e.opts.BaseDelay

	for range retryCount {
		delay *= 2
		if delay >= e.opts.CapDelay {
			delay = e.opts.CapDelay

			break
		}
	}

	return delay + time.Duration(e.randFunc()*float64(maxJitter))
}

func (e *Engine) cacheRecord(table string, rec remote.Record) {
	if e.cache == nil || rec == nil {
		return
	}

	key := rec.Key()
	if key == "" {
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	if err := e.cache.Set(table+":"+key, data, e.opts.CacheTTL); err != nil {
		e.logger.Warn("cache write-through failed",
			slog.String("key", table+":"+key), slog.Any("error", err))
	}
}

func (e *Engine) invalidateRecord(table, key string) {
	if e.cache == nil || key == "" {
		return
	}

	if err := e.cache.Invalidate(table + ":" + key); err != nil {
		e.logger.Warn("cache invalidation failed",
			slog.String("key", table+":"+key), slog.Any("error", err))
	}
}

// cycleState accumulates one cycle's counters and publishes progress
// after every settled action.
type cycleState struct {
	engine *Engine

	mu         sync.Mutex
	total      int
	completed  int
	failed     int // rescheduled or dead this cycle
	inProgress int

	synced    int
	dead      int
	conflicts int
	held      int
	errs      []string
}

// maxCycleErrors bounds the diagnostic errors carried on a Result so a
// pathological cycle can't balloon memory.
const maxCycleErrors = 10

func (st *cycleState) begin() {
	st.mu.Lock()
	st.inProgress++
	st.mu.Unlock()
}

func (st *cycleState) settleSuccess() {
	st.mu.Lock()
	st.inProgress--
	st.completed++
	st.synced++
	snap := st.progress()
	st.mu.Unlock()

	st.engine.progress.Publish(snap)
}

func (st *cycleState) settleRetry() {
	st.mu.Lock()
	st.inProgress--
	st.failed++
	snap := st.progress()
	st.mu.Unlock()

	st.engine.progress.Publish(snap)
}

func (st *cycleState) settleDead(actionID, reason string) {
	st.mu.Lock()
	st.inProgress--
	st.failed++
	st.dead++
	if len(st.errs) < maxCycleErrors {
		st.errs = append(st.errs, actionID+": "+reason)
	}
	snap := st.progress()
	st.mu.Unlock()

	st.engine.progress.Publish(snap)
}

func (st *cycleState) settleHeld() {
	st.mu.Lock()
	st.inProgress--
	st.held++
	snap := st.progress()
	st.mu.Unlock()

	st.engine.progress.Publish(snap)
}

func (st *cycleState) settleCanceled() {
	st.mu.Lock()
	st.completed++
	snap := st.progress()
	st.mu.Unlock()

	st.engine.progress.Publish(snap)
}

func (st *cycleState) countConflict() {
	st.mu.Lock()
	st.conflicts++
	st.mu.Unlock()
}

// progress builds a snapshot; callers hold st.mu.
func (st *cycleState) progress() Progress {
	total := st.total
	if settled := st.completed + st.failed + st.held + st.inProgress; settled > total {
		total = settled
	}

	pct := 100.0
	if total > 0 {
		pct = float64(st.completed+st.failed+st.held) / float64(total) * 100
	}

	return Progress{
		Total:      total,
		Completed:  st.completed,
		Failed:     st.failed,
		InProgress: st.inProgress,
		Percentage: pct,
	}
}

func (st *cycleState) result(d time.Duration) Result {
	st.mu.Lock()
	defer st.mu.Unlock()

	return Result{
		Synced:    st.synced,
		Failed:    st.dead,
		Conflicts: st.conflicts,
		Held:      st.held,
		Errors:    slices.Clone(st.errs),
		Duration:  d,
	}
}
