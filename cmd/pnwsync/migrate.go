package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/komodohq/pnwsync/internal/config"
	"github.com/komodohq/pnwsync/internal/database"
	"github.com/komodohq/pnwsync/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|status]",
	Short: "Apply or inspect database migrations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action := "up"
		if len(args) == 1 {
			action = args[0]
		}

		logger := logging.New("info", "text")

		cfg, err := config.Load(configPath(cmd))
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		switch action {
		case "up":
			return database.MigrateUp(cfg.Database.URL(), logger)
		case "down":
			return database.MigrateDown(cfg.Database.URL(), logger)
		case "status":
			v, dirty, err := database.MigrateStatus(cfg.Database.URL())
			if err != nil {
				return err
			}
			fmt.Printf("Migration version: %d\n", v)
			fmt.Printf("Dirty: %v\n", dirty)
			return nil
		default:
			return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
		}
	},
}
