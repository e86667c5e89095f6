package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			db, err := connectDatabase(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return runMigrations(cfg, logger, db)
		},
	}
}
