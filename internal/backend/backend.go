// Package backend defines the authentication back-end capability set and a
// name-keyed registry of back-end instances. A back-end is any value
// providing the three operations below; third parties add new kinds by
// registering a constructor, never by modifying this package.
//
// Grounded on the "duck-typed" plug-in model in the core design notes and on
// the teacher's provider registry shape (internal/store's keyed provider
// records), generalised from config records to live back-end instances.
package backend

import (
	"context"
	"log/slog"

	"github.com/nilauth/authd/internal/autherr"
)

// Backend is the fixed capability set every authentication back-end must
// provide.
type Backend interface {
	// VerifyPassword is a pure credential check with no side effects.
	VerifyPassword(ctx context.Context, login, password string) (bool, error)

	// GetIDs returns the stable identifier pair stamped onto a minted
	// token. userUUID is empty for non-user identities (service accounts).
	GetIDs(ctx context.Context, login string, args map[string]any) (authID, userUUID string, err error)

	// GetACLs returns base ACLs attributable to the login, independent of
	// any policy-derived ACLs.
	GetACLs(ctx context.Context, login string, args map[string]any) ([]string, error)
}

// Constructor builds a Backend from its configuration. A constructor that
// returns an error causes that back-end to be logged and skipped; it must
// not prevent other back-ends from loading.
type Constructor func() (Backend, error)

// Registry holds an ordered collection of named back-end instances.
type Registry struct {
	order []string
	byName map[string]Backend
}

// NewRegistry builds a Registry from a name-ordered set of constructors.
// Construction failures are logged and the back-end is skipped; they never
// abort the registry build.
func NewRegistry(ctx context.Context, constructors map[string]Constructor, order []string) *Registry {
	r := &Registry{byName: make(map[string]Backend, len(order))}

	for _, name := range order {
		ctor, ok := constructors[name]
		if !ok {
			continue
		}

		instance, err := ctor()
		if err != nil {
			slog.ErrorContext(ctx, "backend construction failed, skipping", "backend", name, "error", err)
			continue
		}

		r.order = append(r.order, name)
		r.byName[name] = instance
	}

	return r
}

// Get resolves a back-end by name. An unknown name is UnauthorizedBackend,
// never a generic not-found.
func (r *Registry) Get(name string) (Backend, error) {
	b, ok := r.byName[name]
	if !ok {
		return nil, autherr.New(autherr.KindUnauthorizedBackend, "unknown backend: %q", name).
			WithDetails(map[string]any{"backend": name})
	}
	return b, nil
}

// Names returns the back-ends that loaded successfully, in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
