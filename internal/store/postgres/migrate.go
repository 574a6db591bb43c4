package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/muz"
)

//go:embed migrations/*
var migrationFS embed.FS

// MigrateDB runs the identity-graph schema migrations against db, recording
// progress in the migrateTable under tablePrefix-templated table names.
func MigrateDB(ctx context.Context, db *sql.DB, migrateTable, tablePrefix string) error {
	if db == nil {
		return errors.New("migrate database connection is nil")
	}

	m := muz.Migrate{
		Path:      "migrations",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    map[string]any{"TABLE_PREFIX": tablePrefix},
	}

	driver := muz.NewPostgresDriver(db, migrateTable, slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
