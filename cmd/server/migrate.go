package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/dukerupert/trestle/internal"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}
	cmd.AddCommand(
		migrateSubCmd("up", "Apply all pending migrations", internal.RunMigrations),
		migrateSubCmd("down", "Roll back the most recent migration", internal.RollbackMigration),
		migrateSubCmd("status", "Show the state of every migration", internal.MigrationStatus),
	)
	return cmd
}

func migrateSubCmd(use, short string, fn migrationFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			if err := withMigrationDB(cmd.Context(), cfg.DatabaseUrl, fn); err != nil {
				return err
			}
			logger.Info().Str("command", use).Msg("migrations finished")
			return nil
		},
	}
}

type migrationFunc = func(ctx context.Context, db *sql.DB) error

// applyMigrations runs pending migrations ahead of serve.
func applyMigrations(ctx context.Context, databaseURL string) error {
	return withMigrationDB(ctx, databaseURL, internal.RunMigrations)
}

func withMigrationDB(ctx context.Context, databaseURL string, fn migrationFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := internal.OpenMigrationDB(databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return fn(ctx, db)
}
