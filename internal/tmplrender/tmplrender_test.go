package tmplrender

import "testing"

func TestStaticTemplateNeverFetches(t *testing.T) {
	fetched := false
	fetch := func() (map[string]any, error) {
		fetched = true
		return map[string]any{}, nil
	}

	acls, err := Render([]string{"confd.lines.read"}, fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetched {
		t.Fatal("static template must not trigger a fetch")
	}
	if len(acls) != 1 || acls[0] != "confd.lines.read" {
		t.Fatalf("unexpected acls: %v", acls)
	}
}

func TestContextTemplateFetchesOnce(t *testing.T) {
	calls := 0
	fetch := func() (map[string]any, error) {
		calls++
		return map[string]any{"UUID": "abc-123"}, nil
	}

	templates := []string{
		"confd.users.{{.UUID}}.read",
		"confd.users.{{.UUID}}.update",
	}

	acls, err := Render(templates, fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one fetch, got %d", calls)
	}

	want := map[string]bool{
		"confd.users.abc-123.read":   true,
		"confd.users.abc-123.update": true,
	}
	if len(acls) != 2 || !want[acls[0]] || !want[acls[1]] {
		t.Fatalf("unexpected acls: %v", acls)
	}
}

func TestMixedStaticAndContextTemplates(t *testing.T) {
	calls := 0
	fetch := func() (map[string]any, error) {
		calls++
		return map[string]any{"UUID": "xyz"}, nil
	}

	templates := []string{
		"dird.me.contacts.read",
		"confd.users.{{.UUID}}.read",
	}

	acls, err := Render(templates, fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one fetch for the single context template, got %d", calls)
	}
	if len(acls) != 2 {
		t.Fatalf("expected two acls, got %v", acls)
	}
}

func TestStillUndefinedAfterFetchYieldsNoACL(t *testing.T) {
	fetch := func() (map[string]any, error) {
		return map[string]any{"UUID": "abc"}, nil
	}

	templates := []string{
		"confd.users.{{.UUID}}.read",
		"confd.groups.{{.GroupID}}.read",
	}

	acls, err := Render(templates, fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(acls) != 1 || acls[0] != "confd.users.abc.read" {
		t.Fatalf("expected only the resolvable template to yield an acl, got %v", acls)
	}
}

func TestMultilineTemplateYieldsMultipleACLs(t *testing.T) {
	fetch := func() (map[string]any, error) {
		return map[string]any{"UUID": "u1"}, nil
	}

	templates := []string{
		"confd.users.{{.UUID}}.read\nconfd.users.{{.UUID}}.update",
	}

	acls, err := Render(templates, fetch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(acls) != 2 {
		t.Fatalf("expected two acls from one multiline template, got %v", acls)
	}
}

func TestFetchErrorPropagates(t *testing.T) {
	fetch := func() (map[string]any, error) {
		return nil, errFetch
	}

	_, err := Render([]string{"confd.users.{{.UUID}}.read"}, fetch)
	if err != errFetch {
		t.Fatalf("expected fetch error to propagate, got %v", err)
	}
}

var errFetch = fetchError("boom")

type fetchError string

func (e fetchError) Error() string { return string(e) }
