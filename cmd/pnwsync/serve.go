package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/komodohq/pnwsync/internal/config"
	"github.com/komodohq/pnwsync/internal/database"
	"github.com/komodohq/pnwsync/internal/events"
	"github.com/komodohq/pnwsync/internal/logging"
	"github.com/komodohq/pnwsync/internal/metrics"
	"github.com/komodohq/pnwsync/internal/orchestrator"
	"github.com/komodohq/pnwsync/internal/reconciler"
	"github.com/komodohq/pnwsync/internal/restclient"
	"github.com/komodohq/pnwsync/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the always-on ingestion service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.New("info", "json")
	logger.Info("starting pnwsync", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath(cmd)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.Database.URL(), cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	bus, err := events.New(logger)
	if err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	defer bus.Close()

	m := metrics.New()
	rest := restclient.New(cfg.Upstream, cfg.REST)
	st := store.New(db.Pool, bus, rest, m, logger)

	citiesDelay := time.Duration(cfg.Reconciler.CitiesDelaySeconds) * time.Second
	rec := reconciler.New(rest, db.Pool, bus, m, logger, citiesDelay)

	orch := orchestrator.New(cfg, rest, st, rec, m, logger)

	if cfg.Metrics.Enabled {
		metricsSrv := metrics.NewServer(cfg.Metrics.Listen, logger)
		go func() {
			if err := metricsSrv.Start(ctx); err != nil {
				logger.Error("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
	}

	err = orch.Run(ctx)
	if err != nil && ctx.Err() != nil {
		logger.Info("pnwsync stopped")
		return nil
	}
	return err
}
