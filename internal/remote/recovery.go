package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrReauthRequired is returned once the single refresh-and-retry budget
// is spent. The caller must run a full re-authentication; no amount of
// automatic retrying will help.
var ErrReauthRequired = errors.New("remote: re-authentication required")

// maxInlineRetryAfter bounds how long a Retry-After delay is honored
// inline; anything longer is returned to the caller so the queue can
// reschedule instead of parking a goroutine.
const maxInlineRetryAfter = 30 * time.Second

// SessionRefresher refreshes the auth session. Implemented by
// session.Manager.
type SessionRefresher interface {
	Refresh(ctx context.Context) error
}

// CacheReader serves stale-but-cached reads when the remote store is
// unreachable. Implemented by queue.Cache.
type CacheReader interface {
	Get(key string) (json.RawMessage, bool, error)
}

// Recoverer applies the failure-recovery policy around remote calls:
//
//   - requests sharing a key are deduplicated — concurrent callers await
//     the same in-flight call instead of issuing duplicates
//   - auth failures get exactly one refresh-and-retry; a second failure
//     forces re-authentication, and the budget only resets on a full
//     success (a runaway refresh loop is the failure mode this guards)
//   - rate limits shorter than maxInlineRetryAfter are honored inline
//   - transient read failures can fall back to the cache
type Recoverer struct {
	session SessionRefresher // nil disables the refresh path
	cache   CacheReader      // nil disables cache fallback
	logger  *slog.Logger

	group singleflight.Group

	// sleepFunc is injectable for tests.
	sleepFunc func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	authBroken bool // set after refresh-and-retry failed; cleared on success
}

// NewRecoverer creates a Recoverer. Both session and cache may be nil.
func NewRecoverer(session SessionRefresher, cache CacheReader, logger *slog.Logger) *Recoverer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Recoverer{
		session:   session,
		cache:     cache,
		logger:    logger,
		sleepFunc: timeSleep,
	}
}

// Do runs fn with recovery, deduplicating concurrent calls by key: while
// one call for a key is in flight, other callers with the same key block
// and share its result. Keys are typically idempotency or request keys.
func (r *Recoverer) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	v, err, shared := r.group.Do(key, func() (any, error) {
		return r.run(ctx, fn)
	})

	if shared {
		r.logger.Debug("request deduplicated", slog.String("key", key))
	}

	return v, err
}

// run applies the recovery policy to a single (deduplicated) execution.
func (r *Recoverer) run(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	v, err := fn(ctx)
	if err == nil {
		r.clearAuthFailure()

		return v, nil
	}

	switch Classify(err) {
	case ErrAuth:
		return r.refreshAndRetry(ctx, fn, err)
	case ErrRateLimit:
		return r.rateLimitRetry(ctx, fn, err)
	default:
		return nil, err
	}
}

// refreshAndRetry performs the single allowed refresh-and-retry for an
// auth failure.
func (r *Recoverer) refreshAndRetry(ctx context.Context, fn func(context.Context) (any, error), cause error) (any, error) {
	if r.session == nil {
		return nil, cause
	}

	r.mu.Lock()
	broken := r.authBroken
	r.mu.Unlock()

	if broken {
		return nil, fmt.Errorf("%w: %v", ErrReauthRequired, cause)
	}

	r.logger.Info("auth failure, refreshing session once")

	if err := r.session.Refresh(ctx); err != nil {
		r.markAuthFailure()

		return nil, fmt.Errorf("%w: refresh failed: %v", ErrReauthRequired, err)
	}

	v, err := fn(ctx)
	if err == nil {
		r.clearAuthFailure()

		return v, nil
	}

	if errors.Is(Classify(err), ErrAuth) {
		r.markAuthFailure()

		return nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}

	return nil, err
}

// rateLimitRetry honors a short server-provided Retry-After inline; a
// long or missing delay is returned to the caller for queue-level
// rescheduling.
func (r *Recoverer) rateLimitRetry(ctx context.Context, fn func(context.Context) (any, error), cause error) (any, error) {
	var apiErr *APIError
	if !errors.As(cause, &apiErr) || apiErr.RetryAfter <= 0 || apiErr.RetryAfter > maxInlineRetryAfter {
		return nil, cause
	}

	r.logger.Info("rate limited, honoring retry-after",
		slog.Duration("delay", apiErr.RetryAfter),
	)

	if err := r.sleepFunc(ctx, apiErr.RetryAfter); err != nil {
		return nil, fmt.Errorf("remote: canceled during retry-after: %w", err)
	}

	v, err := fn(ctx)
	if err == nil {
		r.clearAuthFailure()
	}

	return v, err
}

// GetWithFallback runs a read with recovery; on a transient failure it
// serves the cached value under cacheKey instead, reporting fromCache.
func (r *Recoverer) GetWithFallback(ctx context.Context, cacheKey string, fn func(context.Context) (json.RawMessage, error)) (data json.RawMessage, fromCache bool, err error) {
	v, err := r.Do(ctx, "read:"+cacheKey, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err == nil {
		return v.(json.RawMessage), false, nil
	}

	if r.cache == nil || !Transient(err) {
		return nil, false, err
	}

	cached, ok, cacheErr := r.cache.Get(cacheKey)
	if cacheErr != nil || !ok {
		return nil, false, err
	}

	r.logger.Warn("remote read failed, serving cached value",
		slog.String("key", cacheKey),
		slog.String("error", err.Error()),
	)

	return cached, true, nil
}

func (r *Recoverer) markAuthFailure() {
	r.mu.Lock()
	r.authBroken = true
	r.mu.Unlock()
}

func (r *Recoverer) clearAuthFailure() {
	r.mu.Lock()
	r.authBroken = false
	r.mu.Unlock()
}
