package deviceauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"

	"github.com/nilauth/authd/internal/autherr"
)

type fakeResolver struct {
	authID, userUUID string
	acls             []string
	err              error
}

func (f *fakeResolver) Resolve(_ context.Context, _ *oauth2.Token) (string, string, []string, error) {
	if f.err != nil {
		return "", "", nil, f.err
	}
	return f.authID, f.userUUID, f.acls, nil
}

func newTestBackend(t *testing.T, resolver IdentityResolver) (*Backend, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-123",
			"token_type":   "bearer",
		})
	}))

	cfg := &oauth2.Config{
		ClientID: "client-id",
		Endpoint: oauth2.Endpoint{
			TokenURL: srv.URL,
		},
	}

	return New(cfg, resolver), srv
}

func TestVerifyPasswordResolvesAndCaches(t *testing.T) {
	resolver := &fakeResolver{authID: "A1", userUUID: "U1", acls: []string{"confd.users.read"}}
	b, srv := newTestBackend(t, resolver)
	defer srv.Close()

	ok, err := b.VerifyPassword(context.Background(), "device-code-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected successful redemption to verify")
	}

	authID, userUUID, err := b.GetIDs(context.Background(), "device-code-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if authID != "A1" || userUUID != "U1" {
		t.Fatalf("unexpected ids: %q %q", authID, userUUID)
	}

	acls, err := b.GetACLs(context.Background(), "device-code-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(acls) != 1 || acls[0] != "confd.users.read" {
		t.Fatalf("unexpected acls: %v", acls)
	}
}

func TestGetIDsWithoutPriorVerifyIsUnauthorized(t *testing.T) {
	b, srv := newTestBackend(t, &fakeResolver{})
	defer srv.Close()

	_, _, err := b.GetIDs(context.Background(), "never-verified", nil)
	e, ok := autherr.As(err)
	if !ok || e.Kind != autherr.KindUnauthorizedBackend {
		t.Fatalf("expected UnauthorizedBackend, got %v", err)
	}
}

func TestUserInfoResolverMapsClaims(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok-abc" {
			t.Errorf("expected bearer token forwarded, got %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":       "A1",
			"user_uuid": "U1",
			"acls":      []string{"confd.users.read"},
		})
	}))
	defer srv.Close()

	resolver := NewUserInfoResolver(&oauth2.Config{}, srv.URL)

	authID, userUUID, acls, err := resolver.Resolve(context.Background(), &oauth2.Token{AccessToken: "tok-abc"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if authID != "A1" || userUUID != "U1" {
		t.Fatalf("unexpected ids: %q %q", authID, userUUID)
	}
	if len(acls) != 1 || acls[0] != "confd.users.read" {
		t.Fatalf("unexpected acls: %v", acls)
	}
}

func TestUserInfoResolverMissingSubErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	resolver := NewUserInfoResolver(&oauth2.Config{}, srv.URL)

	if _, _, _, err := resolver.Resolve(context.Background(), &oauth2.Token{AccessToken: "tok-abc"}); err == nil {
		t.Fatal("expected error for missing sub claim")
	}
}
