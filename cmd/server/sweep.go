package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roadside_dispatch/backend/internal/app"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue offers and flag SLA breaches once, then exit",
	RunE:  sweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func sweep(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// deliver the breach and expiry events before exiting
	queueCtx, stopQueue := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { a.Queue.Run(queueCtx); close(done) }()
	defer func() { stopQueue(); <-done }()

	res, sweepErr := a.Sweeper.RunOnce(ctx)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	return sweepErr
}
