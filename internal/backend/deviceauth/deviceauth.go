// Package deviceauth implements an OAuth 2.0 Device Authorization Grant
// (RFC 8628) back-end: login is a device code obtained out-of-band by the
// client, password is unused, and verification consists of redeeming the
// device code for an access token and resolving the remote account it
// belongs to.
//
// Grounded on the teacher's GitHub Copilot device flow
// (internal/server/auth_device.go's deviceFlowManager / pollDeviceAuth
// pair), reworked to use golang.org/x/oauth2's built-in RFC 8628 support
// (Config.DeviceAccessToken) instead of hand-rolled form-encoded HTTP calls,
// and original_source/xivo_auth/plugins/backends/xivo_ws.py for the
// verify/get_ids/get_acls split this package implements against a remote
// identity provider instead of a local database.
package deviceauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/nilauth/authd/internal/autherr"
)

// IdentityResolver exchanges a redeemed access token for the stable
// identifier pair and base ACLs of the remote account it belongs to.
type IdentityResolver interface {
	Resolve(ctx context.Context, token *oauth2.Token) (authID, userUUID string, acls []string, err error)
}

// Backend is the device-authorization-grant back-end.
type Backend struct {
	cfg      *oauth2.Config
	resolver IdentityResolver

	mu       sync.Mutex
	resolved map[string]resolvedIdentity
}

type resolvedIdentity struct {
	authID   string
	userUUID string
	acls     []string
}

// New builds a Backend that redeems device codes against cfg's token
// endpoint and resolves identities via resolver.
func New(cfg *oauth2.Config, resolver IdentityResolver) *Backend {
	return &Backend{
		cfg:      cfg,
		resolver: resolver,
		resolved: make(map[string]resolvedIdentity),
	}
}

// VerifyPassword treats login as a device code and password as unused; it
// redeems the device code for an access token, resolves the identity it
// belongs to, and caches the result under the device code for the
// subsequent GetIDs/GetACLs calls the token manager makes for the same
// mint request.
func (b *Backend) VerifyPassword(ctx context.Context, login, _ string) (bool, error) {
	token, err := b.cfg.DeviceAccessToken(ctx, &oauth2.DeviceAuthResponse{DeviceCode: login})
	if err != nil {
		return false, nil
	}

	authID, userUUID, acls, err := b.resolver.Resolve(ctx, token)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	b.resolved[login] = resolvedIdentity{authID: authID, userUUID: userUUID, acls: acls}
	b.mu.Unlock()

	return true, nil
}

// GetIDs returns the identity resolved during VerifyPassword. Calling it
// without a prior successful VerifyPassword for the same device code is a
// caller error, surfaced as UnauthorizedBackend.
func (b *Backend) GetIDs(_ context.Context, login string, _ map[string]any) (string, string, error) {
	b.mu.Lock()
	identity, ok := b.resolved[login]
	b.mu.Unlock()
	if !ok {
		return "", "", autherr.New(autherr.KindUnauthorizedBackend, "device code not verified: %q", login)
	}
	return identity.authID, identity.userUUID, nil
}

// GetACLs returns the base ACLs resolved during VerifyPassword.
func (b *Backend) GetACLs(_ context.Context, login string, _ map[string]any) ([]string, error) {
	b.mu.Lock()
	identity, ok := b.resolved[login]
	b.mu.Unlock()
	if !ok {
		return nil, autherr.New(autherr.KindUnauthorizedBackend, "device code not verified: %q", login)
	}
	return identity.acls, nil
}

// UserInfoResolver is an IdentityResolver backed by a standard OAuth 2.0
// UserInfo endpoint: it presents the redeemed access token as a bearer
// credential and maps a handful of well-known claims onto the
// auth_id/user_uuid/acls triple the token manager needs.
//
// Grounded on golang.org/x/oauth2's Config.Client pattern (an
// http.Client that auto-attaches the bearer token) plus
// original_source/xivo_auth/plugins/backends/xivo_ws.py's id-resolution
// shape, generalized from a local database lookup to a remote endpoint.
type UserInfoResolver struct {
	cfg *oauth2.Config
	url string
}

// NewUserInfoResolver builds a resolver that calls url with the redeemed
// token attached as a bearer credential.
func NewUserInfoResolver(cfg *oauth2.Config, url string) *UserInfoResolver {
	return &UserInfoResolver{cfg: cfg, url: url}
}

// userInfoClaims is the subset of a UserInfo response this resolver
// understands; providers that nest these differently need their own
// IdentityResolver.
type userInfoClaims struct {
	Sub      string   `json:"sub"`
	UserUUID string   `json:"user_uuid"`
	ACLs     []string `json:"acls"`
}

// Resolve fetches r.url using cfg's token-bearing HTTP client and maps the
// response onto (auth_id, user_uuid, acls). sub becomes auth_id; an absent
// user_uuid claim (service-account tokens) yields an empty user_uuid, per
// the back-end contract's "may be null for non-user identities" clause.
func (r *UserInfoResolver) Resolve(ctx context.Context, token *oauth2.Token) (string, string, []string, error) {
	client := r.cfg.Client(ctx, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", "", nil, fmt.Errorf("build userinfo request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", "", nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", nil, fmt.Errorf("userinfo endpoint returned %d", resp.StatusCode)
	}

	var claims userInfoClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return "", "", nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if claims.Sub == "" {
		return "", "", nil, errors.New("userinfo response missing sub claim")
	}

	return claims.Sub, claims.UserUUID, claims.ACLs, nil
}
