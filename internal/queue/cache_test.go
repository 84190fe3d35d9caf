package queue

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) *Cache {
	t.Helper()

	c, err := OpenCache(filepath.Join(t.TempDir(), "cache.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func TestCache_TTLRoundTrip(t *testing.T) {
	t.Parallel()

	c := testCache(t)

	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	require.NoError(t, c.Set("tickets:1", json.RawMessage(`{"id":1}`), time.Second))

	// Present at t=900ms.
	now = now.Add(900 * time.Millisecond)

	data, ok, err := c.Get("tickets:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":1}`, string(data))

	// Absent at t=1100ms.
	now = now.Add(200 * time.Millisecond)

	_, ok, err = c.Get("tickets:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_RejectsNonPositiveTTL(t *testing.T) {
	t.Parallel()

	c := testCache(t)

	err := c.Set("k", json.RawMessage(`1`), 0)
	assert.ErrorIs(t, err, ErrBadTTL)
}

func TestCache_VersionIncrements(t *testing.T) {
	t.Parallel()

	c := testCache(t)

	require.NoError(t, c.Set("tickets:1", json.RawMessage(`{"v":1}`), time.Minute))
	require.NoError(t, c.Set("tickets:1", json.RawMessage(`{"v":2}`), time.Minute))

	v, err := c.Version("tickets:1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestCache_InvalidatePattern(t *testing.T) {
	t.Parallel()

	c := testCache(t)

	for _, key := range []string{"tickets:1", "tickets:2", "users:1"} {
		require.NoError(t, c.Set(key, json.RawMessage(`{}`), time.Minute))
	}

	// Trailing wildcard clears the whole table prefix.
	n, err := c.InvalidatePattern("tickets:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := c.Get("tickets:1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Get("users:1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Exact match without wildcard.
	n, err = c.InvalidatePattern("users:1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.InvalidatePattern("users:1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCache_Sweep(t *testing.T) {
	t.Parallel()

	c := testCache(t)

	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	require.NoError(t, c.Set("short", json.RawMessage(`1`), time.Second))
	require.NoError(t, c.Set("long", json.RawMessage(`2`), time.Hour))

	now = now.Add(2 * time.Second)

	n, err := c.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := c.Get("long")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := OpenCache(path, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, c.Set("tickets:7", json.RawMessage(`{"id":7}`), time.Hour))
	require.NoError(t, c.Close())

	c, err = OpenCache(path, testLogger(t))
	require.NoError(t, err)

	defer c.Close()

	data, ok, err := c.Get("tickets:7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":7}`, string(data))
}
