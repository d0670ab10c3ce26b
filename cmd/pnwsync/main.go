// Package main is the CLI entrypoint for pnwsync. It provides subcommands for
// running the always-on ingestion service (serve), applying database
// migrations (migrate), running a single manual reconcile pass (reconcile),
// and printing version information (version).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/komodohq/pnwsync/internal/orchestrator"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a top-level error to the process exit code: 2 for an
// unrecoverable terminal wire close, 1 for anything else (config/schema
// errors, connection failures, ...).
func exitCodeFor(err error) int {
	if errors.Is(err, orchestrator.ErrTerminalClose) {
		return 2
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "pnwsync",
	Short: "pnwsync replicates Politics and War's public data API into a local Postgres store",
	Long: `pnwsync is an always-on ingestion service that replicates a browser
game's public data API into a local PostgreSQL store via a durable
WebSocket change-feed, with periodic REST snapshot reconciliation and
in-process field-level event dispatch for downstream consumers.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to pnwsync.toml (default: pnwsync.toml, or $PNWSYNC_CONFIG_PATH)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(versionCmd)
}

// configPath resolves the --config flag, then PNWSYNC_CONFIG_PATH, then the
// "pnwsync.toml" default.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	if p := os.Getenv("PNWSYNC_CONFIG_PATH"); p != "" {
		return p
	}
	return "pnwsync.toml"
}
