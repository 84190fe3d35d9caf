package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mkoskela/tether/internal/engine"
	"github.com/mkoskela/tether/internal/health"
	"github.com/mkoskela/tether/internal/tabs"
)

// newRunCmd builds the long-running sync daemon command. It wires the
// health monitor, tab coordinator, and sync engine together and runs
// them until interrupted.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long:  "Runs the background sync loop: probes connectivity, coordinates with peer instances, and drains the action queue whenever this instance holds the primary role and the remote is reachable.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(parent context.Context) error {
	logger := buildLogger()

	a, err := openApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	pidPath, err := daemonPIDPath()
	if err != nil {
		return err
	}

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(parent, logger)

	// Tab bus: a relay URL connects this instance to its peers; without
	// one the coordinator still runs, alone, and always wins the election.
	var bus tabs.Bus
	if cfg.Tabs.RelayURL != "" {
		relayBus, err := tabs.DialRelay(ctx, cfg.Tabs.RelayURL, logger)
		if err != nil {
			return fmt.Errorf("connecting to relay: %w", err)
		}
		defer relayBus.Close()
		bus = relayBus
	} else {
		bus = tabs.NewMemoryBus(logger)
	}

	coord := tabs.NewCoordinator(bus, a.store, a.sessions, uuid.NewString(), logger, tabs.Options{
		HeartbeatInterval: cfg.Tabs.HeartbeatInterval.Std(),
		HeartbeatTimeout:  cfg.Tabs.HeartbeatTimeout.Std(),
	})

	monitor := health.New(a.records, logger, health.Options{
		ProbeInterval: cfg.Health.ProbeInterval.Std(),
		BaseBackoff:   cfg.Health.BaseBackoff.Std(),
		MaxAttempts:   cfg.Health.MaxAttempts,
	})

	eng := engine.New(a.store, a.cache, a.records, a.resolver, coord, monitor.Online, logger, a.engineOptions())

	// Reconnects and primary handovers both warrant an immediate drain.
	healthSub := monitor.Subscribe(func(ev health.Event) {
		if ev.Kind == health.EventReconnected {
			eng.Kick()
		}
	})
	defer healthSub.Unsubscribe()

	roleSub := coord.SubscribeRole(func(rc tabs.RoleChange) {
		if rc.IsPrimary {
			eng.Kick()
		}
	})
	defer roleSub.Unsubscribe()

	// SIGHUP triggers an immediate sync cycle and a connectivity probe.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	coord.Start(ctx)
	defer coord.Close(context.Background())

	logger.Info("daemon started",
		slog.String("tab_id", coord.TabID()),
		slog.Int("pid", os.Getpid()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		monitor.Run(gctx)

		return nil
	})

	g.Go(func() error {
		eng.Run(gctx)

		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hupCh:
				logger.Info("sync requested via signal")
				monitor.Wake()
				eng.Kick()
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("daemon stopped")

	return nil
}

// daemonPIDPath returns the PID file location inside the state directory.
func daemonPIDPath() (string, error) {
	dir, err := cfg.StateDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "tether.pid"), nil
}
