// Command authd runs the token-issuing, ACL-validating identity core: the
// Store, Back-end Registry, Token Manager, event bus, Expiry Sweeper, and
// the minimal HTTP surface (internal/httpapi) that demonstrates them
// end-to-end. Full CRUD endpoints, request schema validation, and message
// bus wiring beyond the event payloads themselves are out of scope
// (spec.md §1) and are not built here.
//
// Grounded on the teacher's cmd/at/main.go: into.Init(run, ...) process
// lifecycle, logi.InitializeLog for structured logging, config.Load(ctx,
// name) for configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"
	"golang.org/x/oauth2"

	"github.com/nilauth/authd/internal/backend"
	"github.com/nilauth/authd/internal/backend/deviceauth"
	"github.com/nilauth/authd/internal/backend/local"
	"github.com/nilauth/authd/internal/bus"
	"github.com/nilauth/authd/internal/cluster"
	"github.com/nilauth/authd/internal/config"
	"github.com/nilauth/authd/internal/crypto"
	"github.com/nilauth/authd/internal/httpapi"
	"github.com/nilauth/authd/internal/store"
	"github.com/nilauth/authd/internal/store/memory"
	"github.com/nilauth/authd/internal/store/postgres"
	"github.com/nilauth/authd/internal/store/sqlite3"
	"github.com/nilauth/authd/internal/sweeper"
	"github.com/nilauth/authd/internal/token"
)

var (
	name    = "authd"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	registry := backend.NewRegistry(ctx, backendConstructors(s, cfg.Backend), cfg.Backend.Order)
	slog.Info("authentication back-ends loaded", "names", registry.Names())

	mgr := token.New(s, registry, token.ExpirationPolicy{
		Min:     cfg.Token.ExpirationMin,
		Max:     cfg.Token.ExpirationMax,
		Default: cfg.Token.ExpirationDefault,
	})
	if cfg.Token.EncryptionKey != "" {
		key, err := crypto.DeriveKey(cfg.Token.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive token encryption key: %w", err)
		}
		mgr = mgr.WithEncryptionKey(key)
	}

	eventBus := bus.New()

	var cl *cluster.Cluster
	if cfg.Server.Alan != nil {
		cl, err = cluster.New(cfg.Server.Alan)
		if err != nil {
			return fmt.Errorf("create cluster: %w", err)
		}
		go func() {
			// onNewKey applies a peer's encryption-key rotation broadcast to
			// this instance's Manager, keeping refresh-token encryption in
			// sync cluster-wide.
			if err := cl.Start(ctx, mgr.SetEncryptionKey); err != nil && !errors.Is(err, context.Canceled) {
				slog.ErrorContext(ctx, "cluster stopped with error", "error", err)
			}
		}()
	}

	sw := sweeper.New(s, eventBus, cfg.Sweeper.CleanupInterval)
	if cl != nil {
		sw = sw.WithLeader(cl)
	}
	go sw.Start(ctx)
	defer sw.Stop()

	api := httpapi.New(config.Service, cfg.Server.BasePath, mgr)
	if cl != nil {
		api = api.WithCluster(cl)
	}

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	httpServer := &http.Server{Addr: addr, Handler: api.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	switch {
	case cfg.Postgres != nil:
		pcfg := postgres.Config{
			Datasource:      cfg.Postgres.Datasource,
			Schema:          cfg.Postgres.Schema,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MigrateTable:    cfg.Postgres.MigrateTable,
		}
		if cfg.Postgres.TablePrefix != nil {
			pcfg.TablePrefix = *cfg.Postgres.TablePrefix
		}
		return postgres.New(ctx, pcfg)
	case cfg.SQLite != nil:
		return sqlite3.New(ctx, sqlite3.Config{
			Datasource:   cfg.SQLite.Datasource,
			TablePrefix:  cfg.SQLite.TablePrefix,
			MigrateTable: cfg.SQLite.MigrateTable,
		})
	default:
		slog.Warn("no store configured, falling back to in-memory store (data does not survive restart)")
		return memory.New(), nil
	}
}

func backendConstructors(s store.Store, cfg config.Backend) map[string]backend.Constructor {
	constructors := map[string]backend.Constructor{
		"local": func() (backend.Backend, error) {
			lookup, ok := s.(local.UserLookup)
			if !ok {
				return nil, fmt.Errorf("store %T does not implement local.UserLookup", s)
			}
			return local.New(lookup), nil
		},
	}

	if cfg.DeviceAuth != nil {
		da := cfg.DeviceAuth
		oauthCfg := &oauth2.Config{
			ClientID:     da.ClientID,
			ClientSecret: da.ClientSecret,
			Scopes:       da.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:       da.AuthURL,
				TokenURL:      da.TokenURL,
				DeviceAuthURL: da.DeviceAuthURL,
			},
		}

		constructors["device_auth"] = func() (backend.Backend, error) {
			if da.TokenURL == "" || da.DeviceAuthURL == "" {
				return nil, fmt.Errorf("device_auth backend requires token_url and device_auth_url")
			}
			resolver := deviceauth.NewUserInfoResolver(oauthCfg, da.AuthURL)
			return deviceauth.New(oauthCfg, resolver), nil
		}
	}

	return constructors
}
