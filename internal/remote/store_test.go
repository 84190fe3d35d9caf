package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, handler http.HandlerFunc) *Store {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewStore(newTestClient(t, srv), testLogger(t))
}

func TestInsert_SendsIdempotencyKeyAndDecodes(t *testing.T) {
	t.Parallel()

	var gotKey, gotMethod string

	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(idempotencyHeader)
		gotMethod = r.Method

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"srv-1","title":"x"}`))
	})

	rec, err := s.Insert(context.Background(), "tickets",
		json.RawMessage(`{"title":"x"}`), "idem-1")
	require.NoError(t, err)

	assert.Equal(t, "idem-1", gotKey)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "srv-1", rec.Key())
}

func TestUpdate_ConflictCarriesServerRecord(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"server":{"id":"t-1","title":"server side","updatedAt":"2026-03-01T10:00:00Z"}}`))
	})

	_, err := s.Update(context.Background(), "tickets", "t-1",
		json.RawMessage(`{"title":"client side"}`), "idem-2")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConflict)

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "server side", conflictErr.Server["title"])
	assert.False(t, conflictErr.Server.UpdatedAt().IsZero())
}

func TestUpdate_ConflictBareRecordBody(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"id":"t-1","title":"server side"}`))
	})

	_, err := s.Update(context.Background(), "tickets", "t-1",
		json.RawMessage(`{}`), "")
	require.Error(t, err)

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "server side", conflictErr.Server["title"])
}

func TestDelete_NotFoundIsSuccess(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := s.Delete(context.Background(), "tickets", "gone", "idem-3")
	assert.NoError(t, err)
}

func TestSelect_BuildsFilterQuery(t *testing.T) {
	t.Parallel()

	var gotQuery string

	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"a"},{"id":"b"}]`))
	})

	recs, err := s.Select(context.Background(), "tickets",
		map[string]string{"status": "open"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "status=open", gotQuery)
}

func TestPing_MeasuresLatency(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	})

	latency, err := s.Ping(context.Background())
	require.NoError(t, err)
	assert.Positive(t, latency)
}

func TestRecord_UpdatedAt(t *testing.T) {
	t.Parallel()

	rec := Record{"updatedAt": "2026-03-01T10:00:00Z"}
	assert.False(t, rec.UpdatedAt().IsZero())

	assert.True(t, Record{}.UpdatedAt().IsZero())
	assert.True(t, Record{"updatedAt": "garbage"}.UpdatedAt().IsZero())
}
