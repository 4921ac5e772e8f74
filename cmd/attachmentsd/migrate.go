package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lexdesk/attachments/internal/config"
	"lexdesk/attachments/internal/logger"
	"lexdesk/attachments/internal/repository/postgres"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate needs database.driver %q, got %q", config.DriverPostgres, cfg.Database.Driver)
			}
			log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer log.Sync()
			return postgres.Migrate(cfg.Database.DSN, log)
		},
	}
}
