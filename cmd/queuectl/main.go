package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Guizzs26/go-offline-sync/internal/app"
	"github.com/Guizzs26/go-offline-sync/internal/config"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
)

var (
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "queuectl",
	Short: "Inspect and operate the offline sync queue",
	Long: `queuectl opens the same queue store, vault and remote the agent uses.

Examples:
  queuectl status
  queuectl list --json
  queuectl enqueue --type payment --priority critical --data '{"amount":120}' --sensitive
  queuectl requeue 3f0c...
  queuectl sync`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print machine readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")
}

// withEngine builds the engine for a single command and tears it down after
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.Load()
	if !verbose {
		cfg.LogLevel = "ERROR"
	}
	logger := infra.NewLogger(cfg, os.Stderr)
	defer infra.CloseLogger()

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	return fn(ctx, a)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
