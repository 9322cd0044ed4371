package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/LSY1007/NextEnterBack-sub000/repository"
	"github.com/LSY1007/NextEnterBack-sub000/services"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	Long: `Starts the interview API. Without DATABASE_URL interviews are kept in memory
and lost on restart. With DATABASE_URL pending migrations are applied first
unless DATABASE_AUTO_MIGRATE=false.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config := services.LoadConfig()

	db, err := openDatabase(ctx, config)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		if config.Database.AutoMigrate {
			if err := repository.RunMigrations(ctx, db); err != nil {
				return err
			}
			slog.Info("Database migrations applied")
		}
	}

	server := services.NewServer(config)
	if db != nil {
		server.SetDatabase(db)
	}
	if err := server.InitializeServices(ctx); err != nil {
		return err
	}
	return server.Run(ctx)
}

// openDatabase returns nil, nil when no database is configured.
func openDatabase(ctx context.Context, config *services.Config) (*sql.DB, error) {
	if config.Database.URL == "" {
		return nil, nil
	}
	return repository.Connect(ctx, config.Database.URL, repository.PoolOptions{
		MaxOpenConns:    config.Database.MaxOpenConns,
		MaxIdleConns:    config.Database.MaxIdleConns,
		ConnMaxLifetime: config.Database.ConnMaxLifetime,
	})
}
