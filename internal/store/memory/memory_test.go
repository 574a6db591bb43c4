package memory

import (
	"context"
	"testing"
	"time"

	"github.com/nilauth/authd/internal/autherr"
	"github.com/nilauth/authd/internal/store"
)

func TestIdempotentGroupPolicyAssociation(t *testing.T) {
	ctx := context.Background()
	m := New()

	g, err := m.CreateGroup(ctx, store.Group{Name: "ops"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	p, err := m.CreatePolicy(ctx, store.Policy{Name: "confd-read"})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}

	if err := m.AddGroupPolicy(ctx, g.UUID, p.UUID); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if err := m.AddGroupPolicy(ctx, g.UUID, p.UUID); err != nil {
		t.Fatalf("add 2: %v", err)
	}

	if len(m.groupPolicies[g.UUID]) != 1 {
		t.Fatalf("expected a single association, got %d", len(m.groupPolicies[g.UUID]))
	}

	if err := m.RemoveGroupPolicy(ctx, g.UUID, p.UUID); err != nil {
		t.Fatalf("remove 1: %v", err)
	}
	if err := m.RemoveGroupPolicy(ctx, g.UUID, p.UUID); err != nil {
		t.Fatalf("remove 2: %v", err)
	}
	if len(m.groupPolicies[g.UUID]) != 0 {
		t.Fatal("expected no association after removal")
	}
}

func TestUpdateEmailsOwnerForcesUnconfirmed(t *testing.T) {
	ctx := context.Background()
	m := New()

	u, err := m.CreateUser(ctx, store.User{Username: "alice"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	emails, err := m.UpdateEmails(ctx, u.UUID, []store.EmailInput{
		{Address: "alice@example.com", Main: true, Confirmed: true},
	}, store.ActorOwner)
	if err != nil {
		t.Fatalf("update emails: %v", err)
	}
	if len(emails) != 1 || emails[0].Confirmed {
		t.Fatalf("expected owner-applied confirmed to be forced false, got %+v", emails)
	}
}

func TestUpdateEmailsAdminHonorsConfirmed(t *testing.T) {
	ctx := context.Background()
	m := New()

	u, err := m.CreateUser(ctx, store.User{Username: "alice"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	emails, err := m.UpdateEmails(ctx, u.UUID, []store.EmailInput{
		{Address: "alice@example.com", Main: true, Confirmed: true},
	}, store.ActorAdmin)
	if err != nil {
		t.Fatalf("update emails: %v", err)
	}
	if len(emails) != 1 || !emails[0].Confirmed {
		t.Fatalf("expected admin-applied confirmed to be honored, got %+v", emails)
	}
}

func TestUpdateEmailsIsIdempotentAndPreservesUUID(t *testing.T) {
	ctx := context.Background()
	m := New()

	u, err := m.CreateUser(ctx, store.User{Username: "alice"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	desired := []store.EmailInput{{Address: "alice@example.com", Main: true}}

	first, err := m.UpdateEmails(ctx, u.UUID, desired, store.ActorAdmin)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	second, err := m.UpdateEmails(ctx, u.UUID, desired, store.ActorAdmin)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}

	if first[0].UUID != second[0].UUID {
		t.Fatalf("expected stable uuid across reconciles, got %q vs %q", first[0].UUID, second[0].UUID)
	}
}

func TestSweepExpiredDeletesOnlyPastTokensAndCorrelatesSessions(t *testing.T) {
	ctx := context.Background()
	m := New()
	now := time.Now()

	expired, err := m.CreateToken(ctx, store.Token{AuthID: "A1", ExpireAt: now.Add(-time.Second)})
	if err != nil {
		t.Fatalf("create expired token: %v", err)
	}
	live, err := m.CreateToken(ctx, store.Token{AuthID: "A2", ExpireAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create live token: %v", err)
	}

	tokens, sessions, err := m.SweepExpired(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(tokens) != 1 || tokens[0].UUID != expired.UUID {
		t.Fatalf("expected only the expired token deleted, got %+v", tokens)
	}
	if len(sessions) != 1 || sessions[0].UUID != expired.SessionUUID {
		t.Fatalf("expected the expired token's session correlated, got %+v", sessions)
	}

	if _, err := m.GetToken(ctx, live.UUID); err != nil {
		t.Fatalf("expected live token retained: %v", err)
	}
	if _, err := m.GetToken(ctx, expired.UUID); !autherr.Is(err, autherr.KindUnknownToken) {
		t.Fatalf("expected expired token gone, got %v", err)
	}
}

func TestListExpiringBetweenExcludesOutOfWindow(t *testing.T) {
	ctx := context.Background()
	m := New()
	now := time.Now()

	_, err := m.CreateToken(ctx, store.Token{AuthID: "A1", ExpireAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	soon, err := m.ListExpiringBetween(ctx, now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(soon) != 0 {
		t.Fatalf("expected no notice within a 1-minute window for a 1-hour token, got %d", len(soon))
	}

	later, err := m.ListExpiringBetween(ctx, now, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(later) != 1 {
		t.Fatalf("expected the token within the wider window, got %d", len(later))
	}
}

func TestPaginationRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := New()

	for i := 0; i < 10; i++ {
		if _, err := m.CreateGroup(ctx, store.Group{Name: string(rune('a' + i))}); err != nil {
			t.Fatalf("create group: %v", err)
		}
	}

	k := int64(3)
	j := int64(2)

	firstHalf, err := m.ListGroups(ctx, store.ListParams{Limit: &k, Offset: &j})
	if err != nil {
		t.Fatalf("list first half: %v", err)
	}
	jNext := j + k
	secondHalf, err := m.ListGroups(ctx, store.ListParams{Limit: &k, Offset: &jNext})
	if err != nil {
		t.Fatalf("list second half: %v", err)
	}

	twoK := 2 * k
	whole, err := m.ListGroups(ctx, store.ListParams{Limit: &twoK, Offset: &j})
	if err != nil {
		t.Fatalf("list whole: %v", err)
	}

	combined := append(append([]store.Group{}, firstHalf.Items...), secondHalf.Items...)
	if len(combined) != len(whole.Items) {
		t.Fatalf("expected concatenated halves to match whole, got %d vs %d", len(combined), len(whole.Items))
	}
	for i := range combined {
		if combined[i].UUID != whole.Items[i].UUID {
			t.Fatalf("mismatch at index %d: %q vs %q", i, combined[i].UUID, whole.Items[i].UUID)
		}
	}
}

func TestEffectivePoliciesUnionsDirectAndGroupDeduped(t *testing.T) {
	ctx := context.Background()
	m := New()

	u, _ := m.CreateUser(ctx, store.User{Username: "alice"})
	g, _ := m.CreateGroup(ctx, store.Group{Name: "ops"})
	p1, _ := m.CreatePolicy(ctx, store.Policy{Name: "p1"})
	p2, _ := m.CreatePolicy(ctx, store.Policy{Name: "p2"})

	if err := m.AddUserPolicy(ctx, u.UUID, p1.UUID); err != nil {
		t.Fatalf("add user policy: %v", err)
	}
	if err := m.AddUserToGroup(ctx, g.UUID, u.UUID); err != nil {
		t.Fatalf("add user to group: %v", err)
	}
	if err := m.AddGroupPolicy(ctx, g.UUID, p2.UUID); err != nil {
		t.Fatalf("add group policy: %v", err)
	}
	// Also attach p1 to the group: should not duplicate in the union.
	if err := m.AddGroupPolicy(ctx, g.UUID, p1.UUID); err != nil {
		t.Fatalf("add group policy p1: %v", err)
	}

	effective, err := m.EffectivePolicies(ctx, u.UUID)
	if err != nil {
		t.Fatalf("effective policies: %v", err)
	}
	if len(effective) != 2 {
		t.Fatalf("expected deduplicated union of 2 policies, got %d", len(effective))
	}
}

func TestTemplateContextShapesGroupsAndTenants(t *testing.T) {
	ctx := context.Background()
	m := New()

	foo, _ := m.CreateUser(ctx, store.User{Username: "foo"})
	bar, _ := m.CreateUser(ctx, store.User{Username: "bar"})
	baz, _ := m.CreateUser(ctx, store.User{Username: "baz"})
	one, _ := m.CreateGroup(ctx, store.Group{Name: "one"})
	tenant, _ := m.CreateTenant(ctx, store.Tenant{Name: "acme"})

	for _, u := range []*store.User{foo, bar, baz} {
		if err := m.AddUserToGroup(ctx, one.UUID, u.UUID); err != nil {
			t.Fatalf("add to group: %v", err)
		}
	}
	if err := m.AddTenantUser(ctx, tenant.UUID, foo.UUID); err != nil {
		t.Fatalf("add tenant user: %v", err)
	}

	tctx, err := m.GetTemplateContext(ctx, foo.UUID)
	if err != nil {
		t.Fatalf("template context: %v", err)
	}
	if len(tctx.Groups) != 1 || len(tctx.Groups[0].Users) != 3 {
		t.Fatalf("expected one group with 3 members, got %+v", tctx.Groups)
	}
	if len(tctx.Tenants) != 1 || tctx.Tenants[0].UUID != tenant.UUID {
		t.Fatalf("expected one tenant, got %+v", tctx.Tenants)
	}
}
