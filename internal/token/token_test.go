package token

import (
	"context"
	"testing"
	"time"

	"github.com/nilauth/authd/internal/backend"
	"github.com/nilauth/authd/internal/backend/local"
	"github.com/nilauth/authd/internal/crypto"
	"github.com/nilauth/authd/internal/store"
	"github.com/nilauth/authd/internal/store/memory"
)

func newTestManager(t *testing.T, m *memory.Memory) *Manager {
	t.Helper()

	registry := backend.NewRegistry(context.Background(), map[string]backend.Constructor{
		"local": func() (backend.Backend, error) { return local.New(m), nil },
	}, []string{"local"})

	return New(m, registry, ExpirationPolicy{Min: time.Minute, Max: time.Hour, Default: 10 * time.Minute})
}

func TestMintExpandsGroupContextTemplate(t *testing.T) {
	ctx := context.Background()
	m := memory.New()
	mgr := newTestManager(t, m)

	hash, err := local.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	foo, err := m.CreateUser(ctx, store.User{Username: "foo", PasswordHash: hash})
	if err != nil {
		t.Fatalf("create user foo: %v", err)
	}
	bar, err := m.CreateUser(ctx, store.User{Username: "bar"})
	if err != nil {
		t.Fatalf("create user bar: %v", err)
	}
	baz, err := m.CreateUser(ctx, store.User{Username: "baz"})
	if err != nil {
		t.Fatalf("create user baz: %v", err)
	}

	group, err := m.CreateGroup(ctx, store.Group{Name: "one"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	for _, u := range []*store.User{foo, bar, baz} {
		if err := m.AddUserToGroup(ctx, group.UUID, u.UUID); err != nil {
			t.Fatalf("add to group: %v", err)
		}
	}

	policy, err := m.CreatePolicy(ctx, store.Policy{
		Name: "group-members",
		Templates: []string{
			"{{range .groups}}{{range .Users}}user.{{.UUID}}.*\n{{end}}{{end}}",
		},
	})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	if err := m.AddUserPolicy(ctx, foo.UUID, policy.UUID); err != nil {
		t.Fatalf("add user policy: %v", err)
	}

	tok, err := mgr.Mint(ctx, MintParams{BackendName: "local", Login: "foo", Password: "s3cret"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	for _, want := range []string{"user." + foo.UUID + ".*", "user." + bar.UUID + ".*", "user." + baz.UUID + ".*"} {
		if !containsString(tok.ACLs, want) {
			t.Fatalf("expected acl %q in %v", want, tok.ACLs)
		}
	}
}

func TestMintFailsOnWrongPassword(t *testing.T) {
	ctx := context.Background()
	m := memory.New()
	mgr := newTestManager(t, m)

	hash, _ := local.HashPassword("correct")
	if _, err := m.CreateUser(ctx, store.User{Username: "alice", PasswordHash: hash}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	_, err := mgr.Mint(ctx, MintParams{BackendName: "local", Login: "alice", Password: "wrong"})
	if err == nil {
		t.Fatal("expected invalid credentials error")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := memory.New()
	mgr := newTestManager(t, m)

	tok, err := m.CreateToken(ctx, store.Token{AuthID: "A1", ExpireAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	if err := mgr.Remove(ctx, tok.UUID); err != nil {
		t.Fatalf("remove 1: %v", err)
	}
	if err := mgr.Remove(ctx, tok.UUID); err != nil {
		t.Fatalf("remove 2: %v", err)
	}
}

func TestIsValidFalseWhenExpired(t *testing.T) {
	ctx := context.Background()
	m := memory.New()
	mgr := newTestManager(t, m)

	tok, err := m.CreateToken(ctx, store.Token{AuthID: "A1", ExpireAt: time.Now().Add(-time.Second), ACLs: []string{"confd.#"}})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	valid, err := mgr.IsValid(ctx, tok.UUID, "confd.lines.read")
	if err != nil {
		t.Fatalf("is valid: %v", err)
	}
	if valid {
		t.Fatal("expected expired token to be invalid")
	}
}

func TestIsValidChecksRequiredACL(t *testing.T) {
	ctx := context.Background()
	m := memory.New()
	mgr := newTestManager(t, m)

	tok, err := m.CreateToken(ctx, store.Token{AuthID: "A1", ExpireAt: time.Now().Add(time.Hour), ACLs: []string{"confd.lines.read"}})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	valid, err := mgr.IsValid(ctx, tok.UUID, "confd.lines.write")
	if err != nil {
		t.Fatalf("is valid: %v", err)
	}
	if valid {
		t.Fatal("expected mismatched acl to be invalid")
	}
}

func TestMintEncryptsRefreshTokenAtRest(t *testing.T) {
	ctx := context.Background()
	m := memory.New()

	registry := backend.NewRegistry(ctx, map[string]backend.Constructor{
		"local": func() (backend.Backend, error) { return local.New(m), nil },
	}, []string{"local"})

	key, err := crypto.DeriveKey("unit-test-passphrase")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}

	mgr := New(m, registry, ExpirationPolicy{Min: time.Minute, Max: time.Hour, Default: 10 * time.Minute}).
		WithEncryptionKey(key)

	hash, err := local.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if _, err := m.CreateUser(ctx, store.User{Username: "foo", PasswordHash: hash}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	tok, err := mgr.Mint(ctx, MintParams{
		BackendName:  "local",
		Login:        "foo",
		Password:     "s3cret",
		RefreshToken: "rt-plaintext-value",
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	stored, err := m.GetToken(ctx, tok.UUID)
	if err != nil {
		t.Fatalf("get stored token: %v", err)
	}
	if stored.RefreshToken == "rt-plaintext-value" {
		t.Fatal("refresh token should be encrypted at rest, found plaintext")
	}
	if !crypto.IsEncrypted(stored.RefreshToken) {
		t.Fatalf("expected encrypted refresh token, got %q", stored.RefreshToken)
	}

	got, err := mgr.Get(ctx, tok.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RefreshToken != "rt-plaintext-value" {
		t.Fatalf("expected decrypted refresh token, got %q", got.RefreshToken)
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
