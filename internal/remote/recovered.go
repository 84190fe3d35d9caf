package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// defaultSelectTTL bounds how long a cached selection may serve as an
// offline fallback.
const defaultSelectTTL = 5 * time.Minute

// Backend is the raw record-store surface RecoveredStore wraps.
// Implemented by Store.
type Backend interface {
	Insert(ctx context.Context, table string, payload json.RawMessage, idemKey string) (Record, error)
	Update(ctx context.Context, table, key string, payload json.RawMessage, idemKey string) (Record, error)
	Delete(ctx context.Context, table, key, idemKey string) error
	Select(ctx context.Context, table string, filter map[string]string) ([]Record, error)
	Ping(ctx context.Context) (time.Duration, error)
}

// SelectCache stores selection result sets so reads can fall back to
// stale data while the server is unreachable. Implemented by
// queue.Cache.
type SelectCache interface {
	Set(key string, data json.RawMessage, ttl time.Duration) error
	InvalidatePattern(pattern string) (int, error)
}

// RecoveredStore routes every record-store call through a Recoverer:
// mutations are deduplicated by idempotency key and get the single
// refresh-and-retry on auth failures plus inline short Retry-After
// handling; selections additionally fall back to the last cached result
// set when the server is unreachable. Mutations invalidate the cached
// selections of their table so a later read can't resurrect a row the
// server no longer has.
type RecoveredStore struct {
	backend Backend
	rec     *Recoverer
	cache   SelectCache // nil disables selection caching
	ttl     time.Duration
	logger  *slog.Logger
}

// NewRecoveredStore wraps backend with rec's recovery policy. cache may
// be nil; a non-positive ttl takes the default.
func NewRecoveredStore(backend Backend, rec *Recoverer, cache SelectCache, ttl time.Duration, logger *slog.Logger) *RecoveredStore {
	if logger == nil {
		logger = slog.Default()
	}

	if ttl <= 0 {
		ttl = defaultSelectTTL
	}

	return &RecoveredStore{
		backend: backend,
		rec:     rec,
		cache:   cache,
		ttl:     ttl,
		logger:  logger,
	}
}

// Insert creates a record with recovery. Concurrent calls sharing an
// idempotency key collapse into one request.
func (s *RecoveredStore) Insert(ctx context.Context, table string, payload json.RawMessage, idemKey string) (Record, error) {
	v, err := s.rec.Do(ctx, mutationKey(idemKey), func(ctx context.Context) (any, error) {
		return s.backend.Insert(ctx, table, payload, idemKey)
	})
	if err != nil {
		return nil, err
	}

	s.dropSelections(table)

	return v.(Record), nil
}

// Update patches a record with recovery. Conflict errors pass through
// untouched for the resolver.
func (s *RecoveredStore) Update(ctx context.Context, table, key string, payload json.RawMessage, idemKey string) (Record, error) {
	v, err := s.rec.Do(ctx, mutationKey(idemKey), func(ctx context.Context) (any, error) {
		return s.backend.Update(ctx, table, key, payload, idemKey)
	})
	if err != nil {
		return nil, err
	}

	s.dropSelections(table)

	return v.(Record), nil
}

// Delete removes a record with recovery.
func (s *RecoveredStore) Delete(ctx context.Context, table, key, idemKey string) error {
	_, err := s.rec.Do(ctx, mutationKey(idemKey), func(ctx context.Context) (any, error) {
		return nil, s.backend.Delete(ctx, table, key, idemKey)
	})
	if err != nil {
		return err
	}

	s.dropSelections(table)

	return nil
}

// Select runs a filtered read with recovery. On success the result set
// is cached under a key derived from the filter; a transient failure
// serves that cached set instead of erroring.
func (s *RecoveredStore) Select(ctx context.Context, table string, filter map[string]string) ([]Record, error) {
	key := selectKey(table, filter)

	raw, fromCache, err := s.rec.GetWithFallback(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		recs, err := s.backend.Select(ctx, table, filter)
		if err != nil {
			return nil, err
		}

		return json.Marshal(recs)
	})
	if err != nil {
		return nil, err
	}

	var recs []Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("remote: decoding selection: %w", err)
	}

	if !fromCache && s.cache != nil {
		if cerr := s.cache.Set(key, raw, s.ttl); cerr != nil {
			s.logger.Warn("caching selection failed",
				slog.String("key", key), slog.Any("error", cerr))
		}
	}

	return recs, nil
}

// Ping passes through without recovery: the health monitor needs to see
// real failures, not refreshed-and-retried ones.
func (s *RecoveredStore) Ping(ctx context.Context) (time.Duration, error) {
	return s.backend.Ping(ctx)
}

func (s *RecoveredStore) dropSelections(table string) {
	if s.cache == nil {
		return
	}

	if _, err := s.cache.InvalidatePattern("select:" + table + "?*"); err != nil {
		s.logger.Warn("invalidating cached selections failed",
			slog.String("table", table), slog.Any("error", err))
	}
}

// mutationKey never returns "" so unkeyed mutations don't collapse into
// each other in the deduplication group.
func mutationKey(idemKey string) string {
	if idemKey == "" {
		return uuid.NewString()
	}

	return idemKey
}

// selectKey builds a stable cache key for a filtered selection; Encode
// sorts the filter keys.
func selectKey(table string, filter map[string]string) string {
	vals := url.Values{}
	for k, v := range filter {
		vals.Set(k, v)
	}

	return "select:" + table + "?" + vals.Encode()
}
