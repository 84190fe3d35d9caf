package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkoskela/tether/internal/queue"
)

// newQueueCmd builds the queue inspection and management command group.
func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the action queue",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueAddCmd())
	cmd.AddCommand(newQueueCancelCmd())
	cmd.AddCommand(newQueueDeadCmd())
	cmd.AddCommand(newQueueRetryCmd())

	return cmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				actions, err := a.store.List(ctx)
				if err != nil {
					return err
				}

				if flagJSON {
					return json.NewEncoder(os.Stdout).Encode(actions)
				}

				if len(actions) == 0 {
					fmt.Println("Queue is empty.")

					return nil
				}

				rows := make([][]string, 0, len(actions))
				for _, act := range actions {
					rows = append(rows, []string{
						act.ID,
						string(act.Type),
						act.Table,
						act.Key,
						string(act.Priority),
						act.Status,
						fmt.Sprintf("%d/%d", act.RetryCount, act.MaxRetries),
						formatTime(act.EnqueuedAt),
					})
				}

				printTable(os.Stdout, []string{"ID", "TYPE", "TABLE", "KEY", "PRIORITY", "STATUS", "RETRIES", "ENQUEUED"}, rows)

				return nil
			})
		},
	}
}

func newQueueAddCmd() *cobra.Command {
	var (
		flagKey      string
		flagPriority string
		flagPayload  string
		flagDepends  []string
	)

	cmd := &cobra.Command{
		Use:   "add <type> <table>",
		Short: "Enqueue an action",
		Long:  "Enqueues a create, update, delete, or query action. The payload is a JSON document; update and delete also need --key.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actionType := queue.ActionType(args[0])
			if !actionType.Valid() {
				return fmt.Errorf("invalid action type %q (want create, update, delete, or query)", args[0])
			}

			switch queue.Priority(flagPriority) {
			case queue.PriorityHigh, queue.PriorityMedium, queue.PriorityLow:
			default:
				return fmt.Errorf("invalid priority %q (want high, medium, or low)", flagPriority)
			}

			var payload json.RawMessage
			if flagPayload != "" {
				if !json.Valid([]byte(flagPayload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}

				payload = json.RawMessage(flagPayload)
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				id, err := a.store.Enqueue(ctx, &queue.Action{
					Type:       actionType,
					Table:      args[1],
					Key:        flagKey,
					Payload:    payload,
					Priority:   queue.Priority(flagPriority),
					MaxRetries: a.cfg.Sync.MaxRetries,
					DependsOn:  flagDepends,
				})
				if err != nil {
					return err
				}

				statusf(flagQuiet, "Enqueued %s\n", id)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&flagKey, "key", "", "record key (required for update and delete)")
	cmd.Flags().StringVar(&flagPriority, "priority", "medium", "priority: high, medium, or low")
	cmd.Flags().StringVar(&flagPayload, "payload", "", "JSON payload")
	cmd.Flags().StringSliceVar(&flagDepends, "depends-on", nil, "action IDs that must sync first")

	return cmd
}

func newQueueCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <action-id>",
		Short: "Cancel a queued action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				removed, err := a.store.Cancel(ctx, args[0])
				if err != nil {
					return err
				}

				if removed {
					statusf(flagQuiet, "Canceled %s\n", args[0])
				} else {
					statusf(flagQuiet, "Action %s is in flight, cancellation requested\n", args[0])
				}

				return nil
			})
		},
	}
}

func newQueueDeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List permanently failed actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				dead, err := a.store.ListDead(ctx)
				if err != nil {
					return err
				}

				if flagJSON {
					return json.NewEncoder(os.Stdout).Encode(dead)
				}

				if len(dead) == 0 {
					fmt.Println("No dead actions.")

					return nil
				}

				rows := make([][]string, 0, len(dead))
				for _, d := range dead {
					rows = append(rows, []string{
						d.Action.ID,
						string(d.Action.Type),
						d.Action.Table,
						formatTime(d.FailedAt),
						d.FinalError,
					})
				}

				printTable(os.Stdout, []string{"ID", "TYPE", "TABLE", "FAILED", "ERROR"}, rows)

				return nil
			})
		},
	}
}

func newQueueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <action-id>",
		Short: "Requeue a dead action with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.store.RequeueDead(ctx, args[0]); err != nil {
					return err
				}

				statusf(flagQuiet, "Requeued %s\n", args[0])

				return nil
			})
		},
	}
}
