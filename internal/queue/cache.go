package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// Cache bucket names and layout version key.
var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
	keyLayout     = []byte("layout_version")
)

// cacheLayoutVersion is written to the meta bucket so a future layout
// change can migrate or discard old files.
const cacheLayoutVersion = 1

// ErrBadTTL is returned by Set when the TTL is not positive (the entry
// invariant is expiresAt > timestamp).
var ErrBadTTL = errors.New("queue: cache ttl must be positive")

// Cache is a durable TTL key-value cache for remote reads, keyed by
// "table:id". Backed by bbolt so cached data survives restarts.
type Cache struct {
	db     *bbolt.DB
	logger *slog.Logger

	nowFunc func() time.Time
}

// cacheEntry is the stored representation of a cached value.
type cacheEntry struct {
	Data          json.RawMessage `json:"data"`
	Timestamp     int64           `json:"timestamp"` // unix nanos at write
	ExpiresAt     int64           `json:"expiresAt"` // unix nanos
	Version       int64           `json:"version"`   // increments per overwrite
	SchemaVersion int             `json:"schemaVersion"`
}

// OpenCache opens (or creates) the cache database at path.
func OpenCache(path string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: open cache db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return fmt.Errorf("create entries bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("create meta bucket: %w", err)
		}

		if meta.Get(keyLayout) == nil {
			if err := meta.Put(keyLayout, []byte{cacheLayoutVersion}); err != nil {
				return fmt.Errorf("stamp layout version: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: init cache buckets: %w", err)
	}

	return &Cache{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the cache database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Set writes data under key with the given TTL, incrementing the entry
// version when the key already exists.
func (c *Cache) Set(key string, data json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrBadTTL
	}

	now := c.nowFunc()

	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)

		var version int64 = 1

		if prev := b.Get([]byte(key)); prev != nil {
			var old cacheEntry
			if err := json.Unmarshal(prev, &old); err == nil {
				version = old.Version + 1
			}
		}

		entry := cacheEntry{
			Data:          data,
			Timestamp:     now.UnixNano(),
			ExpiresAt:     now.Add(ttl).UnixNano(),
			Version:       version,
			SchemaVersion: schemaVersion,
		}

		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding entry: %w", err)
		}

		return b.Put([]byte(key), raw)
	})

	return storageErr("cache set", err)
}

// Get returns the cached value for key, or ok=false on a miss or an
// expired entry. Expired entries are removed lazily by Sweep; Get only
// refuses to return them.
func (c *Cache) Get(key string) (json.RawMessage, bool, error) {
	var (
		data  json.RawMessage
		found bool
	)

	now := c.nowFunc().UnixNano()

	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return nil
		}

		var entry cacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("decoding entry %q: %w", key, err)
		}

		if entry.ExpiresAt <= now {
			return nil
		}

		// Copy out: bbolt memory is only valid inside the transaction.
		data = append(json.RawMessage(nil), entry.Data...)
		found = true

		return nil
	})
	if err != nil {
		return nil, false, storageErr("cache get", err)
	}

	return data, found, nil
}

// Version returns the stored version counter for key (0 on a miss).
func (c *Cache) Version(key string) (int64, error) {
	var version int64

	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return nil
		}

		var entry cacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("decoding entry %q: %w", key, err)
		}

		version = entry.Version

		return nil
	})
	if err != nil {
		return 0, storageErr("cache version", err)
	}

	return version, nil
}

// Invalidate removes a single key. Removing a missing key is not an error.
func (c *Cache) Invalidate(key string) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})

	return storageErr("cache invalidate", err)
}

// InvalidatePattern bulk-removes keys matching pattern. A trailing "*"
// matches any suffix ("tickets:*" clears every cached ticket); without it
// the match is exact. Returns the number of removed entries.
func (c *Cache) InvalidatePattern(pattern string) (int, error) {
	prefix, wildcard := strings.CutSuffix(pattern, "*")

	if !wildcard {
		_, found, err := c.Get(pattern)
		if err != nil {
			return 0, err
		}

		if err := c.Invalidate(pattern); err != nil {
			return 0, err
		}

		if found {
			return 1, nil
		}

		return 0, nil
	}

	var removed int

	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		cur := b.Cursor()

		// Collect first: deleting while cursoring skips keys.
		var doomed [][]byte

		for k, _ := cur.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = cur.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}

			removed++
		}

		return nil
	})
	if err != nil {
		return 0, storageErr("cache invalidate pattern", err)
	}

	if removed > 0 {
		c.logger.Debug("cache entries invalidated",
			slog.String("pattern", pattern),
			slog.Int("count", removed),
		)
	}

	return removed, nil
}

// Sweep removes every expired entry and returns the count. Intended to run
// periodically from the engine's housekeeping tick.
func (c *Cache) Sweep() (int, error) {
	now := c.nowFunc().UnixNano()

	var removed int

	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		cur := b.Cursor()

		var doomed [][]byte

		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var entry cacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				// Undecodable entries are removed rather than kept forever.
				doomed = append(doomed, append([]byte(nil), k...))
				continue
			}

			if entry.ExpiresAt <= now {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}

			removed++
		}

		return nil
	})
	if err != nil {
		return 0, storageErr("cache sweep", err)
	}

	return removed, nil
}
