package local

import (
	"context"
	"testing"

	"github.com/nilauth/authd/internal/autherr"
)

type fakeUsers struct {
	byLogin map[string]Credentials
}

func (f *fakeUsers) GetUserCredentials(_ context.Context, username string) (Credentials, error) {
	creds, ok := f.byLogin[username]
	if !ok {
		return Credentials{}, autherr.Unknown(autherr.KindUnknownUsername, "username", username)
	}
	return creds, nil
}

func TestVerifyPasswordSuccess(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	b := New(&fakeUsers{byLogin: map[string]Credentials{
		"alice": {UUID: "U1", PasswordHash: hash},
	}})

	ok, err := b.VerifyPassword(context.Background(), "alice", "s3cret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected password to verify")
	}
}

func TestVerifyPasswordWrongPassword(t *testing.T) {
	hash, _ := HashPassword("s3cret")
	b := New(&fakeUsers{byLogin: map[string]Credentials{
		"alice": {UUID: "U1", PasswordHash: hash},
	}})

	ok, err := b.VerifyPassword(context.Background(), "alice", "wrong")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected mismatch to fail verification")
	}
}

func TestVerifyPasswordUnknownUser(t *testing.T) {
	b := New(&fakeUsers{byLogin: map[string]Credentials{}})

	ok, err := b.VerifyPassword(context.Background(), "ghost", "anything")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected unknown user to fail verification, not error")
	}
}

func TestGetIDsMirrorsUUID(t *testing.T) {
	b := New(&fakeUsers{byLogin: map[string]Credentials{
		"alice": {UUID: "U1"},
	}})

	authID, userUUID, err := b.GetIDs(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if authID != "U1" || userUUID != "U1" {
		t.Fatalf("expected both ids to equal U1, got %q %q", authID, userUUID)
	}
}

func TestGetACLs(t *testing.T) {
	b := New(&fakeUsers{byLogin: map[string]Credentials{
		"alice": {UUID: "U1", ACLs: []string{"confd.users.read"}},
	}})

	acls, err := b.GetACLs(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(acls) != 1 || acls[0] != "confd.users.read" {
		t.Fatalf("unexpected acls: %v", acls)
	}
}
