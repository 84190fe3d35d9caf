package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkoskela/tether/internal/health"
)

// statusReport is the JSON shape emitted by `tether status --json`.
type statusReport struct {
	Connection string    `json:"connection"`
	Quality    string    `json:"quality"`
	LatencyMS  int64     `json:"latency_ms"`
	Score      int       `json:"score"`
	Pending    int       `json:"pending"`
	Dispatched int       `json:"dispatched"`
	Blocked    int       `json:"blocked"`
	Dead       int       `json:"dead"`
	LastSync   time.Time `json:"last_sync,omitempty"`
}

// newStatusCmd builds the status command: queue occupancy plus a single
// live connectivity probe.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context())
		},
	}
}

func runStatus(ctx context.Context) error {
	logger := buildLogger()

	a, err := openApp(logger)
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.store.Counts(ctx)
	if err != nil {
		return err
	}

	lastSync, err := a.store.LastSync(ctx)
	if err != nil {
		return err
	}

	monitor := health.New(a.records, logger, health.Options{})
	hs := monitor.Probe(ctx)

	report := statusReport{
		Connection: string(hs.State),
		Quality:    string(hs.Quality),
		LatencyMS:  hs.Latency.Milliseconds(),
		Score:      hs.Score,
		Pending:    counts.Pending,
		Dispatched: counts.Dispatched,
		Blocked:    counts.Blocked,
		Dead:       counts.Dead,
		LastSync:   lastSync,
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	fmt.Printf("Connection: %s (%s, %dms, score %d)\n", report.Connection, report.Quality, report.LatencyMS, report.Score)
	fmt.Printf("Queue:      %d pending, %d dispatched, %d blocked, %d dead\n",
		report.Pending, report.Dispatched, report.Blocked, report.Dead)

	if report.LastSync.IsZero() {
		fmt.Println("Last sync:  never")
	} else {
		fmt.Printf("Last sync:  %s\n", formatTime(report.LastSync))
	}

	return nil
}
