package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openlistings/harvester/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database schema migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			if cfg.DB.DSN == "" {
				return fmt.Errorf("db.dsn is required")
			}
			if err := postgres.Migrate(cfg.DB.DSN); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
