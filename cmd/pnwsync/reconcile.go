package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/komodohq/pnwsync/internal/config"
	"github.com/komodohq/pnwsync/internal/database"
	"github.com/komodohq/pnwsync/internal/events"
	"github.com/komodohq/pnwsync/internal/logging"
	"github.com/komodohq/pnwsync/internal/metrics"
	"github.com/komodohq/pnwsync/internal/reconciler"
	"github.com/komodohq/pnwsync/internal/restclient"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a single full-table reconcile sweep for every entity kind and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath(cmd))
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		ctx := context.Background()

		db, err := database.New(ctx, cfg.Database.URL(), cfg.Database.MaxConnections, logger)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()

		bus, err := events.New(logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		defer bus.Close()

		m := metrics.New()
		rest := restclient.New(cfg.Upstream, cfg.REST)

		citiesDelay := time.Duration(cfg.Reconciler.CitiesDelaySeconds) * time.Second
		rec := reconciler.New(rest, db.Pool, bus, m, logger, citiesDelay)

		logger.Info("running manual reconcile sweep")
		if err := rec.RunAll(ctx); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		logger.Info("reconcile sweep complete", slog.String("status", "ok"))
		return nil
	},
}
