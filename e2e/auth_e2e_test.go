package e2e

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoskela/tether/internal/recordserver"
	"github.com/mkoskela/tether/internal/remote"
)

// refreshableToken serves a stale token until Refresh swaps in the
// accepted one, standing in for the session manager.
type refreshableToken struct {
	mu        sync.Mutex
	current   string
	good      string
	refreshes int
}

func (r *refreshableToken) Token() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.current, nil
}

func (r *refreshableToken) Refresh(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.current = r.good
	r.refreshes++

	return nil
}

func TestStaleTokenRefreshedOnceThenMutationLands(t *testing.T) {
	t.Parallel()

	logger := testLogger(t)

	server := recordserver.New(logger)
	server.RequireToken("good-token")
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	tok := &refreshableToken{current: "stale-token", good: "good-token"}

	client := remote.NewClient(ts.URL, ts.Client(), tok, nil, logger)
	records := remote.NewRecoveredStore(remote.NewStore(client, logger), remote.NewRecoverer(tok, nil, logger), nil, 0, logger)

	rec, err := records.Insert(t.Context(), "tickets", json.RawMessage(`{"title":"after refresh"}`), "idem-auth-1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Key())

	tok.mu.Lock()
	refreshes := tok.refreshes
	tok.mu.Unlock()

	assert.Equal(t, 1, refreshes, "rejected token triggers exactly one refresh")
	assert.Equal(t, 1, server.Count("tickets"))
}

func TestStaleTokenWithBrokenRefreshSurfacesReauth(t *testing.T) {
	t.Parallel()

	logger := testLogger(t)

	server := recordserver.New(logger)
	server.RequireToken("good-token")
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	// Refresh "succeeds" but keeps serving the rejected token.
	tok := &refreshableToken{current: "stale-token", good: "stale-token"}

	client := remote.NewClient(ts.URL, ts.Client(), tok, nil, logger)
	records := remote.NewRecoveredStore(remote.NewStore(client, logger), remote.NewRecoverer(tok, nil, logger), nil, 0, logger)

	_, err := records.Insert(t.Context(), "tickets", json.RawMessage(`{"title":"never lands"}`), "idem-auth-2")
	require.ErrorIs(t, err, remote.ErrReauthRequired)
	assert.Zero(t, server.Count("tickets"))
}
