// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/config"
	"github.com/openlistings/harvester/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Snapshot ingestion service for third-party listing data",
		Long: `harvester submits discovery and enrichment jobs to an external
snapshot provider, detects their completion via polling or webhooks, and
ingests the delivered payloads into Postgres and blob storage.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

// Execute is the main entry point for the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads config and builds the logger shared by all commands.
func bootstrap() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}
