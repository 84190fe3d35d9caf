package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkoskela/tether/internal/queue"
)

// newConflictsCmd builds the manual conflict resolution command group.
// Actions blocked on a manual strategy sit in the queue until resolved
// data is supplied here (or from an embedding application).
func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve blocked conflicts",
	}

	cmd.AddCommand(newConflictsListCmd())
	cmd.AddCommand(newConflictsResolveCmd())

	return cmd
}

func newConflictsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List actions held for manual resolution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				actions, err := a.store.List(ctx)
				if err != nil {
					return err
				}

				blocked := actions[:0]
				for _, act := range actions {
					if act.Status == queue.StatusBlocked {
						blocked = append(blocked, act)
					}
				}

				if flagJSON {
					return json.NewEncoder(os.Stdout).Encode(blocked)
				}

				if len(blocked) == 0 {
					fmt.Println("No blocked conflicts.")

					return nil
				}

				rows := make([][]string, 0, len(blocked))
				for _, act := range blocked {
					rows = append(rows, []string{
						act.ID,
						act.Table,
						act.Key,
						act.LastError,
						formatTime(act.EnqueuedAt),
					})
				}

				printTable(os.Stdout, []string{"ID", "TABLE", "KEY", "REASON", "ENQUEUED"}, rows)

				return nil
			})
		},
	}
}

func newConflictsResolveCmd() *cobra.Command {
	var flagData string

	cmd := &cobra.Command{
		Use:   "resolve <action-id>",
		Short: "Supply resolved data for a blocked action",
		Long:  "Unblocks a manually held conflict by replacing the action payload with the resolved record, then requeues it for sync.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagData == "" {
				return fmt.Errorf("--data is required")
			}

			if !json.Valid([]byte(flagData)) {
				return fmt.Errorf("--data is not valid JSON")
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.store.Unblock(ctx, args[0], json.RawMessage(flagData)); err != nil {
					return err
				}

				statusf(flagQuiet, "Resolved %s, requeued for sync\n", args[0])

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&flagData, "data", "", "resolved record as JSON")

	return cmd
}
