package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/mkoskela/tether/internal/config"
	"github.com/mkoskela/tether/internal/conflict"
	"github.com/mkoskela/tether/internal/engine"
	"github.com/mkoskela/tether/internal/queue"
	"github.com/mkoskela/tether/internal/remote"
	"github.com/mkoskela/tether/internal/session"
)

// app bundles the long-lived components shared by subcommands: the
// durable queue, the record cache, the session manager, and the remote
// store client.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	cache    *queue.Cache
	sessions *session.Manager
	records  *remote.RecoveredStore
	resolver *conflict.Resolver
}

// openApp wires the shared components from the loaded config.
func openApp(logger *slog.Logger) (*app, error) {
	stateDir, err := cfg.StateDir()
	if err != nil {
		return nil, fmt.Errorf("resolving state directory: %w", err)
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	queuePath, err := cfg.QueuePath()
	if err != nil {
		return nil, fmt.Errorf("resolving queue path: %w", err)
	}

	store, err := queue.Open(queuePath, logger)
	if err != nil {
		return nil, err
	}

	cachePath, err := cfg.CachePath()
	if err != nil {
		store.Close()

		return nil, fmt.Errorf("resolving cache path: %w", err)
	}

	cache, err := queue.OpenCache(cachePath, logger)
	if err != nil {
		store.Close()

		return nil, err
	}

	sessionPath, err := cfg.SessionPath()
	if err != nil {
		cache.Close()
		store.Close()

		return nil, fmt.Errorf("resolving session path: %w", err)
	}

	initial, err := session.Load(sessionPath)
	if err != nil {
		cache.Close()
		store.Close()

		return nil, err
	}

	refresher := &session.OAuthRefresher{
		Config: &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.Auth.TokenURL},
		},
	}
	sessions := session.NewManager(refresher, initial, sessionPath, logger)

	var limiter *rate.Limiter
	if cfg.Server.RateLimit > 0 {
		burst := int(cfg.Server.RateLimit)
		if burst < 1 {
			burst = 1
		}

		limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), burst)
	}

	httpClient := &http.Client{Timeout: cfg.Server.Timeout.Std()}
	client := remote.NewClient(cfg.Server.BaseURL, httpClient, sessions, limiter, logger)

	// Every record-store call goes through the recovery policy: request
	// dedup, one refresh-and-retry on auth failures, and cache fallback
	// for reads while the server is unreachable.
	recoverer := remote.NewRecoverer(sessions, cache, logger)
	records := remote.NewRecoveredStore(remote.NewStore(client, logger), recoverer, cache, cfg.Storage.CacheTTL.Std(), logger)

	resolver := conflict.NewResolver()
	if err := resolver.SetDefault(conflict.Strategy(cfg.Sync.ConflictStrategy)); err != nil {
		cache.Close()
		store.Close()

		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		cache:    cache,
		sessions: sessions,
		records:  records,
		resolver: resolver,
	}, nil
}

// Close releases the durable stores.
func (a *app) Close() {
	a.cache.Close()
	a.store.Close()
}

// withApp opens the shared components, runs fn, and closes them.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := openApp(buildLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

// engineOptions maps the sync config section onto engine options.
func (a *app) engineOptions() engine.Options {
	return engine.Options{
		BatchSize:          a.cfg.Sync.BatchSize,
		MaxConcurrentSyncs: a.cfg.Sync.MaxConcurrent,
		ActionTimeout:      a.cfg.Sync.ActionTimeout.Std(),
		BaseDelay:          a.cfg.Sync.BaseDelay.Std(),
		CapDelay:           a.cfg.Sync.CapDelay.Std(),
		Interval:           a.cfg.Sync.Interval.Std(),
		CacheTTL:           a.cfg.Storage.CacheTTL.Std(),
	}
}

// gateFunc adapts a closure to the engine's primary gate.
type gateFunc func() bool

func (f gateFunc) IsPrimary() bool { return f() }
