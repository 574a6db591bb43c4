package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/nilauth/authd/internal/autherr"
)

type stubBackend struct{}

func (stubBackend) VerifyPassword(context.Context, string, string) (bool, error) { return true, nil }
func (stubBackend) GetIDs(context.Context, string, map[string]any) (string, string, error) {
	return "A1", "U1", nil
}
func (stubBackend) GetACLs(context.Context, string, map[string]any) ([]string, error) {
	return nil, nil
}

func TestUnknownBackendNameIsUnauthorized(t *testing.T) {
	r := NewRegistry(context.Background(), map[string]Constructor{
		"xivo_user": func() (Backend, error) { return stubBackend{}, nil },
	}, []string{"xivo_user"})

	_, err := r.Get("does-not-exist")
	assertUnauthorized(t, err)
}

func TestFailedConstructorIsSkippedNotFatal(t *testing.T) {
	r := NewRegistry(context.Background(), map[string]Constructor{
		"broken": func() (Backend, error) { return nil, errors.New("boom") },
		"ok":     func() (Backend, error) { return stubBackend{}, nil },
	}, []string{"broken", "ok"})

	if _, err := r.Get("broken"); err == nil {
		t.Fatal("expected broken backend to be absent from the registry")
	}
	if _, err := r.Get("ok"); err != nil {
		t.Fatalf("expected ok backend to load despite broken sibling: %v", err)
	}

	names := r.Names()
	if len(names) != 1 || names[0] != "ok" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	if !autherr.Is(err, autherr.KindUnauthorizedBackend) {
		t.Fatalf("expected an UnauthorizedBackend error, got %v", err)
	}
}
