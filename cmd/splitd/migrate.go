package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/matt-riley/splitsdk/internal/config"
	"github.com/matt-riley/splitsdk/internal/storage/postgres"
	"github.com/matt-riley/splitsdk/internal/storage/sqlite"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply snapshot store migrations for the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runMigrations(cmd.Context(), cfg)
		},
	}
}

func runMigrations(ctx context.Context, cfg config.Config) error {
	log := cfg.Logger()

	switch cfg.SnapshotBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.SnapshotDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := postgres.Migrate(pool); err != nil {
			return err
		}
		log.Info("migrations applied", "backend", cfg.SnapshotBackend)
		return nil
	case config.BackendSQLite:
		// Open applies the embedded migrations.
		store, err := sqlite.Open(ctx, cfg.SnapshotDSN)
		if err != nil {
			return err
		}
		log.Info("migrations applied", "backend", cfg.SnapshotBackend)
		return store.Close()
	default:
		return fmt.Errorf("snapshot backend %q has no migrations", cfg.SnapshotBackend)
	}
}
