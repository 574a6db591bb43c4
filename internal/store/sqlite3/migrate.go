package sqlite3

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/muz"
)

//go:embed migrations/*
var migrationFS embed.FS

// MigrateDB opens a dedicated connection for the migration run and applies
// the identity-graph schema, recording progress in migrateTable.
func MigrateDB(ctx context.Context, datasource, migrateTable, tablePrefix string) error {
	if datasource == "" {
		return fmt.Errorf("migrate datasource is required")
	}

	db, err := sql.Open("sqlite", datasource)
	if err != nil {
		return fmt.Errorf("open sqlite connection for migration: %w", err)
	}
	defer db.Close()

	m := muz.Migrate{
		Path:      "migrations",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    map[string]any{"TABLE_PREFIX": tablePrefix},
	}

	driver := muz.NewSQLiteDriver(db, migrateTable, slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
