package internal

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/trestle/migrations"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// OpenMigrationDB opens a database/sql handle for goose. The application
// itself talks to Postgres through pgxpool.
func OpenMigrationDB(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration database: %w", err)
	}
	return db, nil
}

// RunMigrations executes all pending database migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate(ctx, db, "up")
}

// RollbackMigration reverts the most recent migration.
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	return migrate(ctx, db, "down")
}

// MigrationStatus logs the applied state of every migration.
func MigrationStatus(ctx context.Context, db *sql.DB) error {
	return migrate(ctx, db, "status")
}

func migrate(ctx context.Context, db *sql.DB, command string) error {
	goose.SetBaseFS(migrations.MigrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	var err error
	switch command {
	case "up":
		err = goose.UpContext(ctx, db, ".")
	case "down":
		err = goose.DownContext(ctx, db, ".")
	case "status":
		err = goose.StatusContext(ctx, db, ".")
	default:
		return fmt.Errorf("unknown migration command %q", command)
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations (%s): %w", command, err)
	}
	return nil
}
