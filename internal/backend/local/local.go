// Package local implements the "xivo_user" style password back-end: login
// is a username, credentials are checked against a bcrypt hash stored
// alongside the user record.
//
// Grounded on original_source/xivo_auth/plugins/backends/xivo_ws.py, which
// resolves a username to an id and checks a stored password through the
// same two-step shape (verify_password / get_ids); the SHA1+salt scheme
// visible elsewhere in original_source/wazo_auth/database/models.py is
// replaced with bcrypt (golang.org/x/crypto/bcrypt, already a direct
// dependency for the teacher's git-backed features) since bcrypt self-salts
// and needs no separate salt column to be meaningful.
package local

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/nilauth/authd/internal/autherr"
)

// UserLookup is the subset of the store this back-end depends on. It is
// defined here, not in the store package, so the back-end can be tested
// against a fake without importing the full store contract.
type UserLookup interface {
	GetUserCredentials(ctx context.Context, username string) (Credentials, error)
}

// Credentials is the minimal identity + secret material this back-end needs.
type Credentials struct {
	UUID         string
	PasswordHash []byte
	ACLs         []string
}

// Backend is the local password authentication back-end.
type Backend struct {
	users UserLookup
}

// New builds a local Backend over the given user lookup.
func New(users UserLookup) *Backend {
	return &Backend{users: users}
}

// VerifyPassword reports whether password matches the stored bcrypt hash
// for login. An unknown login verifies false rather than erroring, so a
// mint attempt against a nonexistent user surfaces as InvalidCredentials,
// not as an internal error.
func (b *Backend) VerifyPassword(ctx context.Context, login, password string) (bool, error) {
	creds, err := b.users.GetUserCredentials(ctx, login)
	if err != nil {
		if autherr.Is(err, autherr.KindUnknownUser) || autherr.Is(err, autherr.KindUnknownUsername) {
			return false, nil
		}
		return false, err
	}

	if len(creds.PasswordHash) == 0 {
		return false, nil
	}

	err = bcrypt.CompareHashAndPassword(creds.PasswordHash, []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetIDs resolves the stable identifier pair for login. auth_id and
// user_uuid are the same value for this back-end: the user is its own
// identity.
func (b *Backend) GetIDs(ctx context.Context, login string, _ map[string]any) (string, string, error) {
	creds, err := b.users.GetUserCredentials(ctx, login)
	if err != nil {
		return "", "", err
	}
	return creds.UUID, creds.UUID, nil
}

// GetACLs returns the base ACLs stamped onto the user record, independent
// of policy-derived ACLs.
func (b *Backend) GetACLs(ctx context.Context, login string, _ map[string]any) ([]string, error) {
	creds, err := b.users.GetUserCredentials(ctx, login)
	if err != nil {
		return nil, err
	}
	return creds.ACLs, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}
