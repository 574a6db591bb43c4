// Package httpapi wires the Token Manager onto a minimal HTTP surface: the
// three endpoints the core itself needs to demonstrate end-to-end (mint,
// get, revoke a token), an ACL-check endpoint exercising the matcher, and an
// admin endpoint that rotates the refresh-token encryption key across a
// cluster. Full CRUD over users/groups/policies/tenants/emails, request/
// response schema validation, and service discovery registration are
// conventional plumbing excluded by spec.md §1 — this package is
// intentionally thin.
//
// Grounded on the teacher's internal/server package: the same ada.New() +
// mux.Use(...) middleware chain, the same Group()-based route nesting, the
// same httpResponse/httpResponseJSON response helpers (renamed here to map
// onto the core's {error_id, message, resource, timestamp} envelope from
// spec.md §7), and the same r.PathValue("id")-style route params as
// internal/server/native-proxy.go.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/nilauth/authd/internal/autherr"
	"github.com/nilauth/authd/internal/crypto"
	"github.com/nilauth/authd/internal/store"
	"github.com/nilauth/authd/internal/token"
)

// KeyRotator is the distributed-locking/broadcast surface a clustered
// deployment uses to roll the refresh-token encryption key out to every
// instance, satisfied by *internal/cluster.Cluster. A single-instance
// deployment leaves this nil; the rotate endpoint then only updates its own
// Manager.
type KeyRotator interface {
	Lock(ctx context.Context) error
	Unlock() error
	BroadcastNewKey(ctx context.Context, newKey []byte) error
}

// Server exposes the Token Manager over HTTP.
type Server struct {
	server  *ada.Server
	manager *token.Manager
	cluster KeyRotator
}

// New builds a Server wired to manager, with the teacher's standard
// middleware chain installed.
func New(service, basePath string, manager *token.Manager) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{server: mux, manager: manager}

	base := mux.Group(basePath)
	api := base.Group("/api/v1")

	api.POST("/tokens", s.MintToken)
	api.GET("/tokens/{uuid}", s.GetToken)
	api.DELETE("/tokens/{uuid}", s.RevokeToken)
	api.GET("/tokens/{uuid}/scopes/check", s.CheckScope)
	api.POST("/admin/encryption-key/rotate", s.RotateEncryptionKey)

	return s
}

// WithCluster attaches a KeyRotator so RotateEncryptionKey takes the
// cluster-wide lock and broadcasts the new key to peers instead of only
// updating this instance's Manager.
func (s *Server) WithCluster(c KeyRotator) *Server {
	s.cluster = c
	return s
}

// Handler returns the underlying http.Handler for use with net/http.Server.
func (s *Server) Handler() http.Handler {
	return s.server
}

// errorEnvelope is the HTTP-edge failure shape spec.md §7 requires; the
// core itself only produces {kind, details}.
type errorEnvelope struct {
	ErrorID   string `json:"error_id"`
	Message   string `json:"message"`
	Resource  string `json:"resource"`
	Timestamp string `json:"timestamp"`
}

func writeError(w http.ResponseWriter, resource string, err error) {
	code := http.StatusInternalServerError
	kind := "internal_error"

	if e, ok := autherr.As(err); ok {
		kind = e.Kind.String()
		code = statusForKind(e.Kind)
	}

	writeJSON(w, code, errorEnvelope{
		ErrorID:   kind,
		Message:   err.Error(),
		Resource:  resource,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func statusForKind(k autherr.Kind) int {
	switch k {
	case autherr.KindUnknownUser, autherr.KindUnknownPolicy, autherr.KindUnknownToken,
		autherr.KindUnknownTenant, autherr.KindUnknownGroup, autherr.KindUnknownUsername,
		autherr.KindUnknownUserPolicy:
		return http.StatusNotFound
	case autherr.KindConflict, autherr.KindDuplicatePolicy, autherr.KindDuplicateTemplate:
		return http.StatusConflict
	case autherr.KindInvalidLimit, autherr.KindInvalidOffset, autherr.KindInvalidSortColumn,
		autherr.KindInvalidSortDirection, autherr.KindBadRequest:
		return http.StatusBadRequest
	case autherr.KindInvalidCredentials, autherr.KindUnauthorizedBackend:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: encode response failed", "error", err)
	}
}

// mintRequest is the JSON body for POST /tokens.
type mintRequest struct {
	Backend     string         `json:"backend"`
	Login       string         `json:"login"`
	Password    string         `json:"password"`
	Args        map[string]any `json:"args,omitempty"`
	ExpiationS  int64          `json:"expiration,omitempty"`
	SessionUUID string         `json:"session_uuid,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// tokenResponse is the core's to_dict shape from spec.md §6.
type tokenResponse struct {
	Token        string         `json:"token"`
	AuthID       string         `json:"auth_id"`
	XivoUserUUID string         `json:"xivo_user_uuid"`
	XivoUUID     string         `json:"xivo_uuid"`
	IssuedAt     string         `json:"issued_at"`
	ExpiresAt    string         `json:"expires_at"`
	UTCIssuedAt  string         `json:"utc_issued_at"`
	UTCExpiresAt string         `json:"utc_expires_at"`
	ACLs         []string       `json:"acls"`
	Metadata     map[string]any `json:"metadata"`
	SessionUUID  string         `json:"session_uuid"`
	RemoteAddr   string         `json:"remote_addr"`
	UserAgent    string         `json:"user_agent"`
	RefreshToken string         `json:"refresh_token,omitempty"`
}

func toResponse(t *store.Token) tokenResponse {
	return tokenResponse{
		Token:        t.UUID,
		AuthID:       t.AuthID,
		XivoUserUUID: t.UserUUID,
		XivoUUID:     t.XivoUUID,
		IssuedAt:     t.IssuedAt.Local().Format(time.RFC3339),
		ExpiresAt:    t.ExpireAt.Local().Format(time.RFC3339),
		UTCIssuedAt:  t.IssuedAt.UTC().Format(time.RFC3339),
		UTCExpiresAt: t.ExpireAt.UTC().Format(time.RFC3339),
		ACLs:         t.ACLs,
		Metadata:     t.Metadata,
		SessionUUID:  t.SessionUUID,
		RemoteAddr:   t.RemoteAddr,
		UserAgent:    t.UserAgent,
		RefreshToken: t.RefreshToken,
	}
}

// MintToken handles POST /api/v1/tokens: new_token per spec.md §4.6.
func (s *Server) MintToken(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "tokens", autherr.New(autherr.KindBadRequest, "invalid request body: %v", err))
		return
	}

	tok, err := s.manager.Mint(r.Context(), token.MintParams{
		BackendName: req.Backend,
		Login:       req.Login,
		Password:    req.Password,
		Args:        req.Args,
		Expiration:  time.Duration(req.ExpiationS) * time.Second,
		SessionUUID: req.SessionUUID,
		Metadata:    req.Metadata,
		RemoteAddr:  r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		writeError(w, "tokens", err)
		return
	}

	writeJSON(w, http.StatusOK, toResponse(tok))
}

// GetToken handles GET /api/v1/tokens/{uuid}: get_token per spec.md §4.6.
func (s *Server) GetToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")

	tok, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, "tokens", err)
		return
	}

	writeJSON(w, http.StatusOK, toResponse(tok))
}

// RevokeToken handles DELETE /api/v1/tokens/{uuid}: remove_token per
// spec.md §4.6, idempotent.
func (s *Server) RevokeToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")

	if err := s.manager.Remove(r.Context(), id); err != nil {
		writeError(w, "tokens", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CheckScope handles GET /api/v1/tokens/{uuid}/scopes/check?scope=...:
// is_valid per spec.md §4.6.
func (s *Server) CheckScope(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	scope := r.URL.Query().Get("scope")

	valid, err := s.manager.IsValid(r.Context(), id, scope)
	if err != nil {
		writeError(w, "tokens", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// rotateKeyRequest is the JSON body for POST /admin/encryption-key/rotate.
type rotateKeyRequest struct {
	Passphrase string `json:"passphrase"`
}

// RotateEncryptionKey handles POST /api/v1/admin/encryption-key/rotate: an
// operator supplies a new passphrase, which is derived into an AES-256 key,
// applied to this instance's Manager, and — when this Server was built with
// WithCluster — broadcast to every other instance behind the cluster-wide
// rotation lock so no instance is left decrypting refresh tokens with a
// stale key.
func (s *Server) RotateEncryptionKey(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "admin", autherr.New(autherr.KindBadRequest, "invalid request body: %v", err))
		return
	}

	key, err := crypto.DeriveKey(req.Passphrase)
	if err != nil {
		writeError(w, "admin", autherr.New(autherr.KindBadRequest, "%v", err))
		return
	}

	if s.cluster != nil {
		if err := s.cluster.Lock(r.Context()); err != nil {
			writeError(w, "admin", err)
			return
		}
		defer func() {
			if err := s.cluster.Unlock(); err != nil {
				slog.Error("httpapi: release encryption-key rotation lock failed", "error", err)
			}
		}()
	}

	s.manager.SetEncryptionKey(key)

	if s.cluster != nil {
		if err := s.cluster.BroadcastNewKey(r.Context(), key); err != nil {
			writeError(w, "admin", err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
