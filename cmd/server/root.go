package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roadside_dispatch/backend/internal/app"
	"github.com/roadside_dispatch/backend/internal/config"
	"github.com/roadside_dispatch/backend/internal/logging"
	"github.com/roadside_dispatch/backend/internal/obs"
)

var rootCmd = &cobra.Command{
	Use:          "server",
	Short:        "Roadside dispatch and SLA engine",
	SilenceUsage: true,
	RunE:         serve,
}

func Execute() error { return rootCmd.Execute() }

func setup() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.New(cfg.Env, cfg.LogLevel, cfg.ServiceName), nil
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	shutdownTracer, err := obs.InitTracer(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown")
		}
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("app close")
		}
	}()
	return a.Serve(ctx)
}
