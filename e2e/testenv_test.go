// Package e2e exercises the full stack against a live in-process record
// server: real SQLite queue, real bbolt cache, real HTTP client, real
// sync engine. Only the network boundary is in-process.
package e2e

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkoskela/tether/internal/conflict"
	"github.com/mkoskela/tether/internal/engine"
	"github.com/mkoskela/tether/internal/queue"
	"github.com/mkoskela/tether/internal/recordserver"
	"github.com/mkoskela/tether/internal/remote"
)

// testLogWriter forwards log output to the test log.
type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(testLogWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticToken satisfies the client's token source with a fixed value.
type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

// alwaysPrimary stands in for the tab coordinator.
type alwaysPrimary struct{}

func (alwaysPrimary) IsPrimary() bool { return true }

// env is a fully wired stack around an in-process record server.
type env struct {
	server   *recordserver.Server
	ts       *httptest.Server
	store    *queue.Store
	cache    *queue.Cache
	records  *remote.RecoveredStore
	resolver *conflict.Resolver
	engine   *engine.Engine
}

// newEnv builds the stack. The engine uses nanosecond backoff so retry
// paths run without wall-clock delays.
func newEnv(t *testing.T) *env {
	t.Helper()

	logger := testLogger(t)

	server := recordserver.New(logger)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	dir := t.TempDir()

	store, err := queue.Open(filepath.Join(dir, "queue.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cache, err := queue.OpenCache(filepath.Join(dir, "cache.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	client := remote.NewClient(ts.URL, ts.Client(), staticToken("e2e-token"), nil, logger)
	records := remote.NewRecoveredStore(remote.NewStore(client, logger), remote.NewRecoverer(nil, cache, logger), cache, 0, logger)

	resolver := conflict.NewResolver()

	eng := engine.New(store, cache, records, resolver, alwaysPrimary{}, func() bool { return true }, logger, engine.Options{
		BaseDelay: 1,
		CapDelay:  1,
	})

	return &env{
		server:   server,
		ts:       ts,
		store:    store,
		cache:    cache,
		records:  records,
		resolver: resolver,
		engine:   eng,
	}
}

// enqueue adds an action and fails the test on error.
func (e *env) enqueue(t *testing.T, a *queue.Action) string {
	t.Helper()

	id, err := e.store.Enqueue(t.Context(), a)
	require.NoError(t, err)

	return id
}
