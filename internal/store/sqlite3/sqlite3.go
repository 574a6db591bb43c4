// Package sqlite3 implements store.Store against a pure-Go SQLite database
// (modernc.org/sqlite), mirroring internal/store/postgres's goqu wiring and
// muz-driven migrations, as the teacher keeps a parallel sqlite3 provider
// alongside its postgres one for single-node / embedded deployments.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "modernc.org/sqlite"

	"github.com/nilauth/authd/internal/autherr"
)

var DefaultTablePrefix = "auth_"

// Config is the subset of internal/config.StoreSQLite this package needs.
type Config struct {
	Datasource   string
	TablePrefix  string
	MigrateTable string
}

// SQLite is a store.Store implementation backed by SQLite.
type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableUser           exp.IdentifierExpression
	tableEmail          exp.IdentifierExpression
	tableUserEmail      exp.IdentifierExpression
	tableGroup          exp.IdentifierExpression
	tableUserGroup      exp.IdentifierExpression
	tableTenant         exp.IdentifierExpression
	tableTenantUser     exp.IdentifierExpression
	tablePolicy         exp.IdentifierExpression
	tableACLTemplate    exp.IdentifierExpression
	tablePolicyTemplate exp.IdentifierExpression
	tableGroupPolicy    exp.IdentifierExpression
	tableUserPolicy     exp.IdentifierExpression
	tableToken          exp.IdentifierExpression
	tableACL            exp.IdentifierExpression
}

// New opens the SQLite file, runs migrations, and returns a ready SQLite
// store.
func New(ctx context.Context, cfg Config) (*SQLite, error) {
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != "" {
		tablePrefix = cfg.TablePrefix
	}

	migrateTable := cfg.MigrateTable
	if migrateTable == "" {
		migrateTable = "migrations"
	}

	if err := MigrateDB(ctx, cfg.Datasource, tablePrefix+migrateTable, tablePrefix); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY under the sweeper's
	// concurrent delete-and-read workload.
	db.SetMaxOpenConns(1)

	slog.Info("connected to store sqlite")

	return &SQLite{
		db:                  db,
		goqu:                goqu.New("sqlite3", db),
		tableUser:           goqu.T(tablePrefix + "user"),
		tableEmail:          goqu.T(tablePrefix + "email"),
		tableUserEmail:      goqu.T(tablePrefix + "user_email"),
		tableGroup:          goqu.T(tablePrefix + "group"),
		tableUserGroup:      goqu.T(tablePrefix + "user_group"),
		tableTenant:         goqu.T(tablePrefix + "tenant"),
		tableTenantUser:     goqu.T(tablePrefix + "tenant_user"),
		tablePolicy:         goqu.T(tablePrefix + "policy"),
		tableACLTemplate:    goqu.T(tablePrefix + "acl_template"),
		tablePolicyTemplate: goqu.T(tablePrefix + "policy_template"),
		tableGroupPolicy:    goqu.T(tablePrefix + "group_policy"),
		tableUserPolicy:     goqu.T(tablePrefix + "user_policy"),
		tableToken:          goqu.T(tablePrefix + "token"),
		tableACL:            goqu.T(tablePrefix + "acl"),
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

// classifyWriteError translates a SQLite uniqueness-violation message into a
// classified *autherr.Error; anything else is re-raised unchanged. SQLite
// drivers surface the offending table.column in the error text rather than
// a named constraint, so this matches on that text instead of an error code.
func classifyWriteError(err error, entity string) error {
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return err
	}

	field := ""
	if idx := strings.LastIndex(err.Error(), "."); idx != -1 {
		field = strings.TrimSuffix(err.Error()[idx+1:], "\"")
	}
	return autherr.Conflict(entity, field, "").WithDetails(map[string]any{
		"message": err.Error(),
	})
}
