package aclmatch

import "testing"

func TestMatchesWithMe(t *testing.T) {
	m := New([]string{"dird.me.contacts.read"}, "ABC")

	if !m.Matches("dird.ABC.contacts.read") {
		t.Fatal("expected allow for substituted auth_id")
	}
	if m.Matches("dird.XYZ.contacts.read") {
		t.Fatal("expected deny for unrelated id")
	}
	if !m.Matches("dird.me.contacts.read") {
		t.Fatal("expected allow for literal 'me'")
	}
}

func TestMatchesMeNotMidSegment(t *testing.T) {
	m := New([]string{"foo.named.bar"}, "ABC")

	if !m.Matches("foo.named.bar") {
		t.Fatal("expected exact match to still allow")
	}
	if m.Matches("foo.ABC.bar") {
		t.Fatal("'named' must not be rewritten as a 'me' segment")
	}
}

func TestSingleSegmentWildcard(t *testing.T) {
	m := New([]string{"confd.*.read"}, "ABC")

	if !m.Matches("confd.users.read") {
		t.Fatal("expected allow for single segment")
	}
	if m.Matches("confd.users.extensions.read") {
		t.Fatal("'*' must not cross a '.' boundary")
	}
}

func TestMultiSegmentWildcard(t *testing.T) {
	m := New([]string{"confd.#.read"}, "ABC")

	if !m.Matches("confd.users.read") {
		t.Fatal("expected allow for single segment via '#'")
	}
	if !m.Matches("confd.users.extensions.read") {
		t.Fatal("expected allow for multi segment via '#'")
	}
}

func TestNegativeRulePrecedence(t *testing.T) {
	m := New([]string{"confd.#", "!confd.users.#"}, "ABC")

	if m.Matches("confd.users.read") {
		t.Fatal("negative rule should deny")
	}
	if !m.Matches("confd.lines.read") {
		t.Fatal("unrelated positive rule should still allow")
	}
}

func TestEmptyRequiredAlwaysAllowed(t *testing.T) {
	m := New([]string{"!confd.#"}, "ABC")

	if !m.Matches("") {
		t.Fatal("empty required ACL must always be allowed")
	}
}

// TestMonotoneRevocation: adding a negative rule to a token's ACL set can
// only turn allows into denies, never the reverse.
func TestMonotoneRevocation(t *testing.T) {
	before := New([]string{"confd.#"}, "ABC")
	after := New([]string{"confd.#", "!confd.users.read"}, "ABC")

	required := "confd.users.read"
	if !before.Matches(required) {
		t.Fatal("expected allow before revocation")
	}
	if after.Matches(required) {
		t.Fatal("expected deny after revocation rule added")
	}

	other := "confd.lines.read"
	if before.Matches(other) != after.Matches(other) {
		t.Fatal("revocation rule should not affect unrelated ACL")
	}
}

func TestDuplicateRulesCompileOnce(t *testing.T) {
	m := New([]string{"confd.users.read", "confd.users.read"}, "ABC")
	if len(m.positive) != 1 {
		t.Fatalf("expected duplicate rule to be compiled once, got %d", len(m.positive))
	}
}
