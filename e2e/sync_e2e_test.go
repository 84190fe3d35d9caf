package e2e

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoskela/tether/internal/conflict"
	"github.com/mkoskela/tether/internal/engine"
	"github.com/mkoskela/tether/internal/queue"
)

// drain runs sync cycles until the queue is empty of pending work or
// the attempt budget runs out. Rescheduled actions carry up to a second
// of backoff jitter, so later cycles wait for eligibility.
func drain(t *testing.T, e *env) engine.Result {
	t.Helper()

	var total engine.Result

	for range 8 {
		res, err := e.engine.ForceSync(t.Context())
		require.NoError(t, err)

		total.Synced += res.Synced
		total.Failed += res.Failed
		total.Conflicts += res.Conflicts
		total.Held += res.Held

		counts, err := e.store.Counts(t.Context())
		require.NoError(t, err)

		if counts.Pending == 0 {
			break
		}

		time.Sleep(250 * time.Millisecond)
	}

	return total
}

func TestOfflineCreatesDrainToServer(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	var synced []engine.Synced
	sub := e.engine.OnSynced(func(s engine.Synced) { synced = append(synced, s) })
	defer sub.Unsubscribe()

	for _, title := range []string{"first", "second", "third"} {
		e.enqueue(t, &queue.Action{
			Type:    queue.ActionCreate,
			Table:   "tickets",
			Payload: json.RawMessage(`{"title":"` + title + `"}`),
		})
	}

	res := drain(t, e)

	assert.Equal(t, 3, res.Synced)
	assert.Equal(t, 3, e.server.Count("tickets"))

	counts, err := e.store.Counts(t.Context())
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)

	// Server-assigned ids came back through the synced events and the
	// canonical records landed in the cache.
	require.Len(t, synced, 3)
	for _, s := range synced {
		id := s.Record.Key()
		require.NotEmpty(t, id)

		cached, ok, err := e.cache.Get("tickets:" + id)
		require.NoError(t, err)
		require.True(t, ok)

		var rec map[string]any
		require.NoError(t, json.Unmarshal(cached, &rec))
		assert.Equal(t, id, rec["id"])
	}
}

func TestUpdateConflictServerWins(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.server.Seed("tickets", map[string]any{"id": "t-1", "title": "server title", "version": 3})

	e.enqueue(t, &queue.Action{
		Type:    queue.ActionUpdate,
		Table:   "tickets",
		Key:     "t-1",
		Payload: json.RawMessage(`{"title":"client title","version":1}`),
	})

	var resolutions []conflict.Resolution
	sub := e.engine.OnConflict(func(r conflict.Resolution) { resolutions = append(resolutions, r) })
	defer sub.Unsubscribe()

	res := drain(t, e)

	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Conflicts)

	require.Len(t, resolutions, 1)
	assert.Equal(t, conflict.ServerWins, resolutions[0].Strategy)

	rec, ok := e.server.Record("tickets", "t-1")
	require.True(t, ok)
	assert.Equal(t, "server title", rec["title"])
	assert.Equal(t, float64(4), rec["version"], "resolved re-apply bumps the version")
}

func TestManualConflictHeldUntilSupplied(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	require.NoError(t, e.resolver.SetDefault(conflict.Manual))
	e.server.Seed("tickets", map[string]any{"id": "t-1", "title": "server title", "version": 3})

	id := e.enqueue(t, &queue.Action{
		Type:    queue.ActionUpdate,
		Table:   "tickets",
		Key:     "t-1",
		Payload: json.RawMessage(`{"title":"client title","version":1}`),
	})

	res := drain(t, e)
	assert.Equal(t, 1, res.Held)

	counts, err := e.store.Counts(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Blocked)

	// The user merges both sides and supplies the result.
	require.NoError(t, e.engine.Supply(t.Context(),
		id, json.RawMessage(`{"title":"merged title","version":3}`)))

	res = drain(t, e)
	assert.Equal(t, 1, res.Synced)

	rec, ok := e.server.Record("tickets", "t-1")
	require.True(t, ok)
	assert.Equal(t, "merged title", rec["title"])
}

func TestTransientErrorRetriesToSuccess(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.server.FailNext(http.StatusInternalServerError, 1, "")

	e.enqueue(t, &queue.Action{
		Type:    queue.ActionCreate,
		Table:   "tickets",
		Payload: json.RawMessage(`{"title":"survives a 500"}`),
	})

	res := drain(t, e)

	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, e.server.Count("tickets"))
}

func TestValidationErrorDeadLetters(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.server.FailNext(http.StatusBadRequest, 1, "")

	e.enqueue(t, &queue.Action{
		Type:    queue.ActionCreate,
		Table:   "tickets",
		Payload: json.RawMessage(`{"title":"rejected"}`),
	})

	res := drain(t, e)

	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, e.server.Count("tickets"))

	dead, err := e.store.ListDead(t.Context())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].FinalError, "validation")
}

func TestDeleteOfAbsentRecordSucceeds(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	e.enqueue(t, &queue.Action{
		Type:  queue.ActionDelete,
		Table: "tickets",
		Key:   "never-existed",
	})

	res := drain(t, e)

	assert.Equal(t, 1, res.Synced)

	counts, err := e.store.Counts(t.Context())
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
}

func TestQueryWritesThroughCache(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.server.Seed("tickets", map[string]any{"id": "t-1", "state": "open", "title": "one"})
	e.server.Seed("tickets", map[string]any{"id": "t-2", "state": "closed", "title": "two"})
	e.server.Seed("tickets", map[string]any{"id": "t-3", "state": "open", "title": "three"})

	e.enqueue(t, &queue.Action{
		Type:    queue.ActionQuery,
		Table:   "tickets",
		Payload: json.RawMessage(`{"state":"open"}`),
	})

	res := drain(t, e)
	assert.Equal(t, 1, res.Synced)

	for _, id := range []string{"t-1", "t-3"} {
		_, ok, err := e.cache.Get("tickets:" + id)
		require.NoError(t, err)
		assert.True(t, ok, "open ticket %s cached", id)
	}

	_, ok, err := e.cache.Get("tickets:t-2")
	require.NoError(t, err)
	assert.False(t, ok, "closed ticket filtered out")
}

func TestIdempotentInsertAcrossRestart(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	// Same idempotency key delivered twice, as after a crash between the
	// server applying the insert and the queue removing the action.
	rec1, err := e.records.Insert(t.Context(), "tickets", json.RawMessage(`{"title":"once"}`), "idem-1")
	require.NoError(t, err)

	rec2, err := e.records.Insert(t.Context(), "tickets", json.RawMessage(`{"title":"once"}`), "idem-1")
	require.NoError(t, err)

	assert.Equal(t, rec1.Key(), rec2.Key())
	assert.Equal(t, 1, e.server.Count("tickets"))
}
