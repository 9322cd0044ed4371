package main

import (
	"errors"
	"log/slog"

	"github.com/LSY1007/NextEnterBack-sub000/repository"
	"github.com/LSY1007/NextEnterBack-sub000/services"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		config := services.LoadConfig()
		if config.Database.URL == "" {
			return errors.New("DATABASE_URL is required to migrate")
		}

		db, err := openDatabase(cmd.Context(), config)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := repository.RunMigrations(cmd.Context(), db); err != nil {
			return err
		}
		slog.Info("Database migrations applied")
		return nil
	},
}
