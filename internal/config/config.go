// Package config loads authd's process configuration: log level, store
// selection, back-end registry, token expiration policy, sweeper interval,
// HTTP surface, optional clustering, and telemetry.
//
// Grounded on the teacher's internal/config/config.go: the same
// github.com/rakunlabs/chu loader (`cfg` struct tags, `default:` tags, an
// env-prefixed loaderenv.New), the same github.com/rakunlabs/logi log-level
// wiring, and the same github.com/rakunlabs/tell telemetry block carried
// verbatim even though the HTTP/metrics surface itself is a thin slice of
// this core (spec.md §1) — the ambient config concern stays regardless.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

// Service carries the process name/version string, set by cmd/authd/main.go
// before Load runs, the same way the teacher's config.Service is stamped.
var Service = ""

// Config is authd's full process configuration.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Store   Store    `cfg:"store"`
	Server  Server   `cfg:"server"`
	Backend Backend  `cfg:"backend"`
	Token   Token    `cfg:"token"`
	Sweeper Sweeper  `cfg:"sweeper"`

	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// Server configures the minimal HTTP surface (internal/httpapi) and, if
// Alan is set, multi-instance clustering for the expiry sweeper's leader
// election.
type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// Alan, if set, enables distributed clustering via UDP peer discovery so
	// only one instance's Expiry Sweeper runs a cleanup cycle at a time.
	Alan *alan.Config `cfg:"alan"`
}

// Backend declares which authentication back-ends are active and their
// load order; unset entries are skipped, per spec.md §4.5.
type Backend struct {
	// Order is the back-end name order passed to backend.NewRegistry;
	// names not present in this list are never registered even if
	// configured below.
	Order []string `cfg:"order" default:"[\"local\"]"`

	DeviceAuth *BackendDeviceAuth `cfg:"device_auth"`
}

// BackendDeviceAuth configures the OAuth 2.0 Device Authorization Grant
// back-end (internal/backend/deviceauth).
type BackendDeviceAuth struct {
	ClientID     string   `cfg:"client_id"`
	ClientSecret string   `cfg:"client_secret" log:"-"`
	AuthURL      string   `cfg:"auth_url"`
	TokenURL     string   `cfg:"token_url"`
	DeviceAuthURL string  `cfg:"device_auth_url"`
	Scopes       []string `cfg:"scopes"`
}

// Token configures the Token Manager's expiration clamp (spec.md §4.6 step
// 8) and at-rest refresh-token encryption (internal/crypto).
type Token struct {
	ExpirationMin     time.Duration `cfg:"expiration_min" default:"1m"`
	ExpirationMax     time.Duration `cfg:"expiration_max" default:"24h"`
	ExpirationDefault time.Duration `cfg:"expiration_default" default:"1h"`

	// EncryptionKey, if set, enables AES-256-GCM encryption
	// (internal/crypto) of Token.RefreshToken at rest. Any non-empty
	// string works; it is SHA-256-derived to a 32-byte key internally.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

// Sweeper configures the Expiry Sweeper's loop period (spec.md §4.7).
type Sweeper struct {
	CleanupInterval time.Duration `cfg:"cleanup_interval" default:"1m"`
}

// Store selects and configures the identity-graph/token backing engine.
// Postgres takes precedence when set, then SQLite; with neither set the
// process falls back to the in-memory store.
type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`
	MigrateTable    string         `cfg:"migrate_table" default:"migrations"`
}

type StoreSQLite struct {
	TablePrefix  string `cfg:"table_prefix"`
	Datasource   string `cfg:"datasource" default:"authd.db"`
	MigrateTable string `cfg:"migrate_table" default:"migrations"`
}

// Load reads configuration from path (plus AUTHD_-prefixed environment
// overrides) and applies the configured log level.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("AUTHD_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
