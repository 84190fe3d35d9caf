package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkoskela/tether/internal/engine"
)

// newSyncCmd builds the one-shot sync command. When a daemon is already
// running it nudges the daemon via SIGHUP instead of competing with it
// for the queue.
func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the action queue now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context())
		},
	}
}

func runSync(ctx context.Context) error {
	logger := buildLogger()

	pidPath, err := daemonPIDPath()
	if err != nil {
		return err
	}

	// A running daemon owns the queue. Signal it and let it drain.
	if err := sendSIGHUP(pidPath); err == nil {
		statusf(flagQuiet, "Sync requested from running daemon.\n")

		return nil
	} else if _, statErr := os.Stat(pidPath); statErr == nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("daemon signal failed, syncing in-process", slog.Any("error", err))
	}

	a, err := openApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	eng := engine.New(a.store, a.cache, a.records, a.resolver,
		gateFunc(func() bool { return true }),
		func() bool { return true },
		logger, a.engineOptions())

	result, err := eng.ForceSync(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	statusf(flagQuiet, "Synced %d, failed %d, conflicts %d, held %d in %s\n",
		result.Synced, result.Failed, result.Conflicts, result.Held, result.Duration.Round(time.Millisecond))

	if result.Failed > 0 {
		return fmt.Errorf("%d action(s) failed permanently, see 'tether queue dead'", result.Failed)
	}

	return nil
}
