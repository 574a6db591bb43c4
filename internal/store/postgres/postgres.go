// Package postgres implements store.Store against PostgreSQL via goqu and
// pgx, following the teacher's internal/store/postgres connection and
// migration wiring (sql.Open("pgx", ...), goqu.New("postgres", db),
// muz-driven embedded migrations) generalized from the teacher's
// providers/tokens schema to the identity-graph schema in SPEC_FULL.md §6.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nilauth/authd/internal/autherr"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 5
	MaxOpenConns    = 10

	DefaultTablePrefix = "auth_"
)

// Config is the subset of internal/config.StorePostgres this package needs.
type Config struct {
	Datasource      string
	Schema          string
	TablePrefix     string
	ConnMaxLifetime *time.Duration
	MaxIdleConns    *int
	MaxOpenConns    *int
	MigrateTable    string
}

// Postgres is a store.Store implementation backed by PostgreSQL.
type Postgres struct {
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

// New opens a PostgreSQL connection, runs migrations, and returns a ready
// Postgres store.
func New(ctx context.Context, cfg Config) (*Postgres, error) {
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != "" {
		tablePrefix = cfg.TablePrefix
	}

	migrateTable := cfg.MigrateTable
	if migrateTable == "" {
		migrateTable = "migrations"
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := MigrateDB(ctx, db, tablePrefix+migrateTable, tablePrefix); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	connMaxLifetime := ConnMaxLifetime
	if cfg.ConnMaxLifetime != nil {
		connMaxLifetime = *cfg.ConnMaxLifetime
	}
	maxIdleConns := MaxIdleConns
	if cfg.MaxIdleConns != nil {
		maxIdleConns = *cfg.MaxIdleConns
	}
	maxOpenConns := MaxOpenConns
	if cfg.MaxOpenConns != nil {
		maxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)

	slog.Info("connected to store postgres")

	return &Postgres{
		db:                  db,
		goqu:                goqu.New("postgres", db),
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

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

// classifyWriteError translates a uniqueness-violation by constraint name
// into a classified *autherr.Error; anything else is re-raised unchanged,
// per the core's "never swallow an unclassifiable error" policy.
func classifyWriteError(err error, entity string) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	if pgErr.Code != "23505" { // unique_violation
		return err
	}

	field := pgErr.ConstraintName
	if _, after, ok := strings.Cut(field, entity+"_"); ok {
		field = after
	}
	field = strings.TrimSuffix(field, "_key")
	return autherr.Conflict(entity, field, "").WithDetails(map[string]any{
		"constraint": pgErr.ConstraintName,
	})
}
