package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-offline-sync/internal/app"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/service"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, a *app.App) error {
			stats, err := a.Sync.Stats(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "store:     %s\nvault:     %s\n", a.StoreBackend, a.Vault.Name())
			fmt.Fprintf(cmd.OutOrStdout(), "queued:    %d (%d retrying)\nfailed:    %d\nconflict:  %d\ntotal:     %d\n",
				stats.Queued, stats.Retrying, stats.Failed, stats.Conflict, stats.Total)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored items in scheduling order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, a *app.App) error {
			items, err := a.Sync.List(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), items)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tSTATUS\tATTEMPTS\tNEXT TRY\tLAST ERROR")
			for _, it := range items {
				next := "-"
				if it.Metadata.NextTryAt != nil {
					next = it.Metadata.NextTryAt.Local().Format(time.DateTime)
				}
				lastErr := "-"
				if it.Metadata.LastErrorCode != "" {
					lastErr = it.Metadata.LastErrorCode + ": " + it.Metadata.LastErrorMessage
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					it.ID, it.Type, it.Priority, it.Metadata.SyncStatus, it.Metadata.Attempts, next, lastErr)
			}
			return w.Flush()
		})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the sync audit log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withEngine(cmd, func(ctx context.Context, a *app.App) error {
			entries, err := a.Sync.Logs(ctx)
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tEVENT\tITEM\tTYPE\tATTEMPTS\tCODE\tMESSAGE")
			for _, e := range entries {
				attempts := "-"
				if e.Attempts != nil {
					attempts = fmt.Sprint(*e.Attempts)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.At.Local().Format(time.DateTime), e.Type, e.ItemID, e.ItemType, attempts, e.Code, e.Message)
			}
			return w.Flush()
		})
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Return a failed or conflicting item to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, a *app.App) error {
			item, err := a.Sync.Requeue(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s (%s)\n", item.ID, item.Type)
			return nil
		})
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a failed or conflicting item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Sync.Discard(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
			return nil
		})
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a mutation for later replay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		id, _ := flags.GetString("id")
		typ, _ := flags.GetString("type")
		priority, _ := flags.GetString("priority")
		data, _ := flags.GetString("data")
		user, _ := flags.GetString("user")
		sensitive, _ := flags.GetBool("sensitive")

		if data == "-" {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read payload from stdin: %w", err)
			}
			data = string(raw)
		}

		return withEngine(cmd, func(ctx context.Context, a *app.App) error {
			item, err := a.Sync.Enqueue(ctx, service.EnqueueRequest{
				ID:        id,
				Type:      typ,
				Priority:  models.Priority(priority),
				Data:      json.RawMessage(data),
				UserID:    user,
				Sensitive: sensitive,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), item)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s (%s, %s)\n", item.ID, item.Type, item.Priority)
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Refresh(ctx); err != nil {
				return err
			}
			report, err := a.Sync.SyncAll(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}
			if report.Offline {
				fmt.Fprintln(cmd.OutOrStdout(), "offline: nothing was attempted")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted %d: %d synced, %d retrying, %d failed, %d conflicts, %d skipped\n",
				report.Attempted, report.Synced, report.Retried, report.Failed, report.Conflicts, report.Skipped)
			return nil
		})
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	logsCmd.Flags().IntP("limit", "n", 0, "Show only the last n entries")

	enqueueCmd.Flags().String("id", "", "Item id; reusing a queued id replaces its draft")
	enqueueCmd.Flags().StringP("type", "t", "", "Mutation type (payment, updateCustomerProfile, creditRequest)")
	enqueueCmd.Flags().StringP("priority", "p", string(models.PriorityMedium), "critical, high, medium or low")
	enqueueCmd.Flags().StringP("data", "d", "", "JSON payload, or - to read stdin")
	enqueueCmd.Flags().StringP("user", "u", "", "Owning user id")
	enqueueCmd.Flags().Bool("sensitive", false, "Protect the payload with the vault")
	_ = enqueueCmd.MarkFlagRequired("type")
	_ = enqueueCmd.MarkFlagRequired("data")

	rootCmd.AddCommand(statusCmd, listCmd, logsCmd, requeueCmd, discardCmd, enqueueCmd, syncCmd)
}
