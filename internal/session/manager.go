package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/mkoskela/tether/internal/pubsub"
)

// expirySkew refreshes a token this long before its stated expiry so a
// request never goes out with a token about to lapse mid-flight.
const expirySkew = 30 * time.Second

// ErrNoRefreshToken is returned when a refresh is requested but the
// session has no refresh token; the caller must re-authenticate.
var ErrNoRefreshToken = errors.New("session: no refresh token")

// Refresher exchanges a refresh token for a fresh session.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Session, error)
}

// OAuthRefresher implements Refresher against a standard OAuth2 token
// endpoint.
type OAuthRefresher struct {
	Config *oauth2.Config
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	src := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return Session{}, fmt.Errorf("session: token endpoint: %w", err)
	}

	s := Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}

	// Some providers omit expires_in; fall back to the JWT exp claim.
	if s.ExpiresAt.IsZero() {
		if exp, expErr := ExpiryFromToken(tok.AccessToken); expErr == nil {
			s.ExpiresAt = exp
		}
	}

	// Providers that do not rotate refresh tokens return an empty one.
	if s.RefreshToken == "" {
		s.RefreshToken = refreshToken
	}

	return s, nil
}

// Manager holds the current session and serializes refreshes: concurrent
// callers share one in-flight refresh instead of hammering the token
// endpoint. Whichever tab refreshed last replicates the result to the
// others, which adopt it via Adopt.
type Manager struct {
	refresher Refresher
	logger    *slog.Logger
	path      string // empty disables persistence
	events    *pubsub.Emitter[Session]

	nowFunc func() time.Time
	group   singleflight.Group

	mu      sync.Mutex
	current Session
}

// NewManager creates a Manager seeded with initial. path, when set,
// persists each accepted session for reuse after restart.
func NewManager(refresher Refresher, initial Session, path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		refresher: refresher,
		logger:    logger,
		path:      path,
		events:    pubsub.New[Session](logger),
		nowFunc:   time.Now,
		current:   initial,
	}
}

// Subscribe registers a handler invoked whenever the session changes,
// whether by local refresh or cross-tab adoption. The coordinator uses
// this to broadcast state to follower tabs.
func (m *Manager) Subscribe(fn func(Session)) pubsub.Subscription {
	return m.events.Subscribe(fn)
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// Token returns a bearer token for outgoing requests, refreshing first
// if the current one is expired or about to expire.
func (m *Manager) Token() (string, error) {
	m.mu.Lock()
	s := m.current
	now := m.nowFunc()
	m.mu.Unlock()

	if s.Valid(now, expirySkew) {
		return s.AccessToken, nil
	}

	if err := m.Refresh(context.Background()); err != nil {
		return "", err
	}

	return m.Snapshot().AccessToken, nil
}

// Refresh exchanges the refresh token for a new session. Concurrent
// calls collapse into a single request.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.group.Do("refresh", func() (any, error) {
		m.mu.Lock()
		refreshToken := m.current.RefreshToken
		m.mu.Unlock()

		if refreshToken == "" {
			return nil, ErrNoRefreshToken
		}

		fresh, err := m.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			return nil, err
		}

		fresh.RefreshedAt = m.nowFunc()
		m.accept(fresh)

		m.logger.Info("session refreshed",
			slog.Time("expires_at", fresh.ExpiresAt),
		)

		return nil, nil
	})

	return err
}

// Adopt installs a session replicated from another tab, but only if it
// is newer than what we already hold. Returns whether it was accepted.
func (m *Manager) Adopt(s Session) bool {
	m.mu.Lock()
	newer := s.NewerThan(m.current)
	m.mu.Unlock()

	if !newer {
		return false
	}

	m.accept(s)
	m.logger.Debug("adopted session from peer tab",
		slog.Time("refreshed_at", s.RefreshedAt),
	)

	return true
}

func (m *Manager) accept(s Session) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	if m.path != "" {
		if err := Save(m.path, s); err != nil {
			m.logger.Warn("persisting session failed", slog.Any("error", err))
		}
	}

	m.events.Publish(s)
}
