package cmd

import (
	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/logging"

	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDatabaseConfig(*configPath)
			if err != nil {
				return err
			}
			logger := logging.GetLogger(cfg.Logs)

			if err := db.RunMigrations(cfg.Database.ConnString()); err != nil {
				return err
			}
			logger.Info("Migrations applied")
			return nil
		},
	}
}
