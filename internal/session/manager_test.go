package session

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRefresher issues numbered tokens and counts calls.
type fakeRefresher struct {
	calls atomic.Int32
	err   error
	block chan struct{} // when set, Refresh waits on it
}

func (f *fakeRefresher) Refresh(context.Context, string) (Session, error) {
	f.calls.Add(1)

	if f.block != nil {
		<-f.block
	}

	if f.err != nil {
		return Session{}, f.err
	}

	return Session{
		AccessToken:  "fresh-access",
		RefreshToken: "fresh-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func TestToken_ValidSessionSkipsRefresh(t *testing.T) {
	t.Parallel()

	ref := &fakeRefresher{}
	m := NewManager(ref, Session{
		AccessToken: "current",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, "", testLogger(t))

	tok, err := m.Token()
	require.NoError(t, err)
	assert.Equal(t, "current", tok)
	assert.Zero(t, ref.calls.Load())
}

func TestToken_ExpiredSessionRefreshes(t *testing.T) {
	t.Parallel()

	ref := &fakeRefresher{}
	m := NewManager(ref, Session{
		AccessToken:  "stale",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, "", testLogger(t))

	tok, err := m.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok)
	assert.Equal(t, int32(1), ref.calls.Load())
}

func TestRefresh_ConcurrentCallsCollapse(t *testing.T) {
	t.Parallel()

	ref := &fakeRefresher{block: make(chan struct{})}
	m := NewManager(ref, Session{RefreshToken: "r"}, "", testLogger(t))

	const concurrency = 6

	var wg sync.WaitGroup

	for range concurrency {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, m.Refresh(context.Background()))
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(ref.block)
	wg.Wait()

	assert.Equal(t, int32(1), ref.calls.Load(), "one token-endpoint call for all callers")
	assert.Equal(t, "fresh-access", m.Snapshot().AccessToken)
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeRefresher{}, Session{AccessToken: "a"}, "", testLogger(t))

	err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestRefresh_SetsRefreshedAtAndNotifies(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeRefresher{}, Session{RefreshToken: "r"}, "", testLogger(t))

	var got Session

	m.Subscribe(func(s Session) { got = s })

	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, "fresh-access", got.AccessToken)
	assert.False(t, got.RefreshedAt.IsZero())
}

func TestAdopt_NewerWinsOlderRejected(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(&fakeRefresher{}, Session{
		AccessToken: "mine",
		RefreshedAt: base,
	}, "", testLogger(t))

	older := Session{AccessToken: "theirs-old", RefreshedAt: base.Add(-time.Minute)}
	assert.False(t, m.Adopt(older))
	assert.Equal(t, "mine", m.Snapshot().AccessToken)

	newer := Session{AccessToken: "theirs-new", RefreshedAt: base.Add(time.Minute)}
	assert.True(t, m.Adopt(newer))
	assert.Equal(t, "theirs-new", m.Snapshot().AccessToken)
}

func TestAccept_PersistsToDisk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.json")
	m := NewManager(&fakeRefresher{}, Session{RefreshToken: "r"}, path, testLogger(t))

	require.NoError(t, m.Refresh(context.Background()))

	saved, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", saved.AccessToken)
}
