// Package token implements the Token Manager: mint, remove, get, and
// validate operations over a back-end registry and the identity-graph
// store, per the core's new_token/remove_token/get_token/is_valid design.
//
// Grounded on original_source/wazo_auth/token.py's Manager (credential
// check -> identity resolve -> ACL expansion -> persist) and on the
// teacher's service-layer orchestration style (a struct holding its
// collaborators, one method per use case, errors bubbled unwrapped for the
// caller to classify).
package token

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nilauth/authd/internal/aclmatch"
	"github.com/nilauth/authd/internal/autherr"
	"github.com/nilauth/authd/internal/backend"
	"github.com/nilauth/authd/internal/crypto"
	"github.com/nilauth/authd/internal/store"
	"github.com/nilauth/authd/internal/tmplrender"
)

// ExpirationPolicy clamps a caller-requested expiration to a configured
// range, applying Default when the caller supplies none.
type ExpirationPolicy struct {
	Min     time.Duration
	Max     time.Duration
	Default time.Duration
}

func (p ExpirationPolicy) clamp(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = p.Default
	}
	if requested < p.Min {
		return p.Min
	}
	if requested > p.Max {
		return p.Max
	}
	return requested
}

// MintParams is the caller-supplied shape of a new_token request.
type MintParams struct {
	BackendName string
	Login       string
	Password    string
	Args        map[string]any
	Expiration  time.Duration
	SessionUUID  string
	Metadata     map[string]any
	RemoteAddr   string
	UserAgent    string
	RefreshToken string
}

// Manager mints, revokes, fetches, and validates tokens.
type Manager struct {
	store      store.Store
	registry   *backend.Registry
	expiration ExpirationPolicy

	keyMu         sync.RWMutex
	encryptionKey []byte
}

// New builds a Manager over the given store and back-end registry.
func New(s store.Store, registry *backend.Registry, expiration ExpirationPolicy) *Manager {
	return &Manager{store: s, registry: registry, expiration: expiration}
}

// WithEncryptionKey enables at-rest encryption of RefreshToken, the one
// piece of long-lived secret material a Token carries. Grounded on the
// teacher's own internal/crypto (AES-256-GCM, "enc:" prefix), reused here
// for a different field than the provider API keys it was built for.
func (m *Manager) WithEncryptionKey(key []byte) *Manager {
	m.SetEncryptionKey(key)
	return m
}

// SetEncryptionKey swaps the active RefreshToken encryption key. It is safe
// to call concurrently with Mint/Get, and is the hook a cluster's key
// rotation broadcast (internal/cluster.Cluster.BroadcastNewKey) invokes on
// every other instance so they all decrypt/encrypt with the same key after
// an operator rotates it on one of them.
func (m *Manager) SetEncryptionKey(key []byte) {
	m.keyMu.Lock()
	m.encryptionKey = key
	m.keyMu.Unlock()
}

func (m *Manager) currentEncryptionKey() []byte {
	m.keyMu.RLock()
	defer m.keyMu.RUnlock()
	return m.encryptionKey
}

// Mint implements new_token: resolve the back-end, verify credentials,
// resolve identity, aggregate effective policies, expand their ACL
// templates against the lazily-fetched identity-graph context, union in
// the back-end's own ACLs, clamp the expiration, and persist.
func (m *Manager) Mint(ctx context.Context, p MintParams) (*store.Token, error) {
	be, err := m.registry.Get(p.BackendName)
	if err != nil {
		return nil, err
	}

	ok, err := be.VerifyPassword(ctx, p.Login, p.Password)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, autherr.New(autherr.KindInvalidCredentials, "invalid credentials for login %q", p.Login)
	}

	authID, userUUID, err := be.GetIDs(ctx, p.Login, p.Args)
	if err != nil {
		return nil, fmt.Errorf("get ids: %w", err)
	}

	var policies []store.Policy
	if userUUID != "" {
		policies, err = m.store.EffectivePolicies(ctx, userUUID)
		if err != nil {
			return nil, fmt.Errorf("effective policies: %w", err)
		}
	}

	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	var templates []string
	seenTemplate := make(map[string]bool)
	for _, pol := range policies {
		for _, tmpl := range pol.Templates {
			if seenTemplate[tmpl] {
				continue
			}
			seenTemplate[tmpl] = true
			templates = append(templates, tmpl)
		}
	}

	expanded, err := tmplrender.Render(templates, func() (map[string]any, error) {
		return m.templateContext(ctx, userUUID)
	})
	if err != nil {
		return nil, fmt.Errorf("expand acl templates: %w", err)
	}

	backendACLs, err := be.GetACLs(ctx, p.Login, p.Args)
	if err != nil {
		return nil, fmt.Errorf("get acls: %w", err)
	}

	// Back-end ACLs first, then expansion output (already in policy-name
	// then template order), deduplicated while preserving first occurrence.
	acls := dedupeOrdered(append(append([]string{}, backendACLs...), expanded...))

	now := time.Now().UTC()
	expireAt := now.Add(m.expiration.clamp(p.Expiration))

	sessionUUID := p.SessionUUID
	if sessionUUID == "" {
		sessionUUID = uuid.NewString()
	}

	refreshToken := p.RefreshToken
	if key := m.currentEncryptionKey(); refreshToken != "" && len(key) > 0 {
		refreshToken, err = crypto.Encrypt(refreshToken, key)
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	tok := store.Token{
		AuthID:       authID,
		UserUUID:     userUUID,
		SessionUUID:  sessionUUID,
		IssuedAt:     now,
		ExpireAt:     expireAt,
		ACLs:         acls,
		Metadata:     p.Metadata,
		RemoteAddr:   p.RemoteAddr,
		UserAgent:    p.UserAgent,
		RefreshToken: refreshToken,
	}

	created, err := m.store.CreateToken(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}

	return created, nil
}

// templateContext adapts store.GetTemplateContext's typed shape into the
// map[string]any text/template expects, matching the {user, groups,
// tenants} context shape from the core's step 6.
func (m *Manager) templateContext(ctx context.Context, userUUID string) (map[string]any, error) {
	if userUUID == "" {
		return map[string]any{}, nil
	}

	tctx, err := m.store.GetTemplateContext(ctx, userUUID)
	if err != nil {
		return nil, fmt.Errorf("get template context: %w", err)
	}

	return map[string]any{
		"user":    tctx.User,
		"groups":  tctx.Groups,
		"tenants": tctx.Tenants,
	}, nil
}

// Remove implements remove_token: delete unconditionally, idempotent.
func (m *Manager) Remove(ctx context.Context, tokenUUID string) error {
	return m.store.DeleteToken(ctx, tokenUUID)
}

// Get implements get_token: 404 if unknown, never extends lifetime. A
// RefreshToken encrypted at mint time is decrypted before return.
func (m *Manager) Get(ctx context.Context, tokenUUID string) (*store.Token, error) {
	tok, err := m.store.GetToken(ctx, tokenUUID)
	if err != nil {
		return nil, err
	}

	if key := m.currentEncryptionKey(); tok.RefreshToken != "" && len(key) > 0 && crypto.IsEncrypted(tok.RefreshToken) {
		plain, err := crypto.Decrypt(tok.RefreshToken, key)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
		tok.RefreshToken = plain
	}

	return tok, nil
}

// IsValid implements is_valid: fetch, then !is_expired AND
// matches_required_acl(requiredACL).
func (m *Manager) IsValid(ctx context.Context, tokenUUID, requiredACL string) (bool, error) {
	tok, err := m.store.GetToken(ctx, tokenUUID)
	if err != nil {
		if autherr.Is(err, autherr.KindUnknownToken) {
			return false, nil
		}
		return false, err
	}

	if tok.ExpireAt.Before(time.Now().UTC()) {
		return false, nil
	}

	matcher := aclmatch.New(tok.ACLs, tok.AuthID)
	return matcher.Matches(requiredACL), nil
}

func dedupeOrdered(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
