// Package memory is an in-memory Store implementation. Data does not
// survive process restarts; it exists for tests and for running the
// service without a configured database.
//
// Grounded on the teacher's internal/store/memory/memory.go (map + mutex +
// id generation, slices.SortFunc for deterministic list ordering),
// generalized from the teacher's provider/token maps to the full identity
// graph.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nilauth/authd/internal/autherr"
	"github.com/nilauth/authd/internal/backend/local"
	"github.com/nilauth/authd/internal/store"
)

// Memory is an in-memory implementation of store.Store.
type Memory struct {
	mu sync.RWMutex

	users    map[string]store.User // uuid -> user
	groups   map[string]store.Group
	tenants  map[string]store.Tenant
	policies map[string]store.Policy
	tokens   map[string]store.Token

	userGroups    map[string]map[string]bool // user uuid -> group uuid set
	groupPolicies map[string]map[string]bool // group uuid -> policy uuid set
	tenantUsers   map[string]map[string]bool // tenant uuid -> user uuid set
	userPolicies  map[string]map[string]bool // user uuid -> policy uuid set
}

// New builds an empty in-memory store.
func New() *Memory {
	slog.Info("using in-memory store (data will not persist across restarts)")

	return &Memory{
		users:         make(map[string]store.User),
		groups:        make(map[string]store.Group),
		tenants:       make(map[string]store.Tenant),
		policies:      make(map[string]store.Policy),
		tokens:        make(map[string]store.Token),
		userGroups:    make(map[string]map[string]bool),
		groupPolicies: make(map[string]map[string]bool),
		tenantUsers:   make(map[string]map[string]bool),
		userPolicies:  make(map[string]map[string]bool),
	}
}

func (m *Memory) Close() {}

func newUUID() string {
	return uuid.NewString()
}

// ─── Users ───

func (m *Memory) CreateUser(_ context.Context, u store.User) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.Username == u.Username {
			return nil, autherr.Conflict("user", "username", u.Username)
		}
	}

	u.UUID = newUUID()
	m.users[u.UUID] = u

	cp := u
	return &cp, nil
}

func (m *Memory) GetUserByUUID(_ context.Context, id string) (*store.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, autherr.Unknown(autherr.KindUnknownUser, "user", id)
	}
	cp := u
	return &cp, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*store.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Username == username {
			cp := u
			return &cp, nil
		}
	}
	return nil, autherr.Unknown(autherr.KindUnknownUsername, "username", username)
}

// GetUserCredentials adapts GetUserByUsername to internal/backend/local's
// UserLookup contract.
func (m *Memory) GetUserCredentials(ctx context.Context, username string) (local.Credentials, error) {
	u, err := m.GetUserByUsername(ctx, username)
	if err != nil {
		return local.Credentials{}, err
	}
	return local.Credentials{UUID: u.UUID, PasswordHash: u.PasswordHash}, nil
}

func (m *Memory) ListUsers(_ context.Context, params store.ListParams) (store.ListResult[store.User], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]store.User, 0, len(m.users))
	for _, u := range m.users {
		all = append(all, u)
	}
	slices.SortFunc(all, func(a, b store.User) int { return strings.Compare(a.Username, b.Username) })

	total := len(all)
	filtered := filterUsers(all, params)

	page, err := paginate(filtered, params)
	if err != nil {
		return store.ListResult[store.User]{}, err
	}

	return store.ListResult[store.User]{Total: total, Filtered: len(filtered), Items: page}, nil
}

func filterUsers(all []store.User, params store.ListParams) []store.User {
	words := strings.Fields(params.Search)

	var out []store.User
	for _, u := range all {
		if !matchesWords(words, u.Username, u.Firstname, u.Lastname) {
			continue
		}
		if uuidFilter, ok := params.Strict["uuid"]; ok && uuidFilter != u.UUID {
			continue
		}
		if usernameFilter, ok := params.Strict["username"]; ok && usernameFilter != u.Username {
			continue
		}
		out = append(out, u)
	}
	return out
}

func matchesWords(words []string, haystack ...string) bool {
	if len(words) == 0 {
		return true
	}
	joined := strings.ToLower(strings.Join(haystack, " "))
	for _, w := range words {
		if !strings.Contains(joined, strings.ToLower(w)) {
			return false
		}
	}
	return true
}

// UpdateEmails reconciles a user's email set to desired in one locked
// section (this store's unit of work). Existing addresses keep their uuid;
// the confirmed flag is forced false unless actor is store.ActorAdmin.
func (m *Memory) UpdateEmails(_ context.Context, userUUID string, desired []store.EmailInput, actor store.ActorKind) ([]store.Email, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userUUID]
	if !ok {
		return nil, autherr.Unknown(autherr.KindUnknownUser, "user", userUUID)
	}

	existingByAddr := make(map[string]store.Email, len(u.Emails))
	for _, e := range u.Emails {
		existingByAddr[e.Address] = e
	}

	mainCount := 0
	for _, in := range desired {
		if in.Main {
			mainCount++
		}
	}
	if mainCount > 1 {
		return nil, autherr.New(autherr.KindConflict, "at most one email may be marked main")
	}

	result := make([]store.Email, 0, len(desired))
	for _, in := range desired {
		confirmed := in.Confirmed && actor == store.ActorAdmin

		if existing, ok := existingByAddr[in.Address]; ok {
			result = append(result, store.Email{
				UUID:      existing.UUID,
				Address:   in.Address,
				Main:      in.Main,
				Confirmed: confirmed,
			})
			continue
		}

		result = append(result, store.Email{
			UUID:      newUUID(),
			Address:   in.Address,
			Main:      in.Main,
			Confirmed: confirmed,
		})
	}

	u.Emails = result
	m.users[userUUID] = u

	out := make([]store.Email, len(result))
	copy(out, result)
	return out, nil
}

// ─── Groups ───

func (m *Memory) CreateGroup(_ context.Context, g store.Group) (*store.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.groups {
		if existing.Name == g.Name {
			return nil, autherr.Conflict("group", "name", g.Name)
		}
	}

	g.UUID = newUUID()
	m.groups[g.UUID] = g

	cp := g
	return &cp, nil
}

func (m *Memory) GetGroup(_ context.Context, id string) (*store.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, autherr.Unknown(autherr.KindUnknownGroup, "group", id)
	}
	cp := g
	return &cp, nil
}

func (m *Memory) GetGroupWithUsers(_ context.Context, id string) (*store.GroupWithUsers, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, autherr.Unknown(autherr.KindUnknownGroup, "group", id)
	}

	out := &store.GroupWithUsers{UUID: g.UUID, Name: g.Name}
	for userUUID := range m.userGroups {
		if m.userGroups[userUUID][id] {
			out.Users = append(out.Users, m.users[userUUID])
		}
	}
	slices.SortFunc(out.Users, func(a, b store.User) int { return strings.Compare(a.UUID, b.UUID) })

	return out, nil
}

func (m *Memory) ListGroups(_ context.Context, params store.ListParams) (store.ListResult[store.Group], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]store.Group, 0, len(m.groups))
	for _, g := range m.groups {
		all = append(all, g)
	}
	slices.SortFunc(all, func(a, b store.Group) int { return strings.Compare(a.Name, b.Name) })

	total := len(all)

	var filtered []store.Group
	words := strings.Fields(params.Search)
	for _, g := range all {
		if matchesWords(words, g.Name) {
			filtered = append(filtered, g)
		}
	}

	page, err := paginate(filtered, params)
	if err != nil {
		return store.ListResult[store.Group]{}, err
	}

	return store.ListResult[store.Group]{Total: total, Filtered: len(filtered), Items: page}, nil
}

func (m *Memory) AddUserToGroup(_ context.Context, groupUUID, userUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[groupUUID]; !ok {
		return autherr.Unknown(autherr.KindUnknownGroup, "group", groupUUID)
	}
	if _, ok := m.users[userUUID]; !ok {
		return autherr.Unknown(autherr.KindUnknownUser, "user", userUUID)
	}

	if m.userGroups[userUUID] == nil {
		m.userGroups[userUUID] = make(map[string]bool)
	}
	m.userGroups[userUUID][groupUUID] = true
	return nil
}

func (m *Memory) RemoveUserFromGroup(_ context.Context, groupUUID, userUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.userGroups[userUUID]; ok {
		delete(set, groupUUID)
	}
	return nil
}

func (m *Memory) AddGroupPolicy(_ context.Context, groupUUID, policyUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[groupUUID]; !ok {
		return autherr.Unknown(autherr.KindUnknownGroup, "group", groupUUID)
	}
	if _, ok := m.policies[policyUUID]; !ok {
		return autherr.Unknown(autherr.KindUnknownPolicy, "policy", policyUUID)
	}

	if m.groupPolicies[groupUUID] == nil {
		m.groupPolicies[groupUUID] = make(map[string]bool)
	}
	m.groupPolicies[groupUUID][policyUUID] = true
	return nil
}

func (m *Memory) RemoveGroupPolicy(_ context.Context, groupUUID, policyUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.groupPolicies[groupUUID]; ok {
		delete(set, policyUUID)
	}
	return nil
}

func (m *Memory) GroupsForUser(_ context.Context, userUUID string) ([]store.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []store.Group
	for groupUUID := range m.userGroups[userUUID] {
		if g, ok := m.groups[groupUUID]; ok {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b store.Group) int { return strings.Compare(a.UUID, b.UUID) })
	return out, nil
}

// ─── Tenants ───

func (m *Memory) CreateTenant(_ context.Context, t store.Tenant) (*store.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.UUID = newUUID()
	m.tenants[t.UUID] = t

	cp := t
	return &cp, nil
}

func (m *Memory) GetTenant(_ context.Context, id string) (*store.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, autherr.Unknown(autherr.KindUnknownTenant, "tenant", id)
	}
	cp := t
	return &cp, nil
}

func (m *Memory) ListTenants(_ context.Context, params store.ListParams) (store.ListResult[store.Tenant], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]store.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		all = append(all, t)
	}
	slices.SortFunc(all, func(a, b store.Tenant) int { return strings.Compare(a.Name, b.Name) })

	total := len(all)

	var filtered []store.Tenant
	words := strings.Fields(params.Search)
	for _, t := range all {
		if matchesWords(words, t.Name) {
			filtered = append(filtered, t)
		}
	}

	page, err := paginate(filtered, params)
	if err != nil {
		return store.ListResult[store.Tenant]{}, err
	}

	return store.ListResult[store.Tenant]{Total: total, Filtered: len(filtered), Items: page}, nil
}

func (m *Memory) AddTenantUser(_ context.Context, tenantUUID, userUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[tenantUUID]; !ok {
		return autherr.Unknown(autherr.KindUnknownTenant, "tenant", tenantUUID)
	}
	if _, ok := m.users[userUUID]; !ok {
		return autherr.Unknown(autherr.KindUnknownUser, "user", userUUID)
	}

	if m.tenantUsers[tenantUUID] == nil {
		m.tenantUsers[tenantUUID] = make(map[string]bool)
	}
	m.tenantUsers[tenantUUID][userUUID] = true
	return nil
}

func (m *Memory) RemoveTenantUser(_ context.Context, tenantUUID, userUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.tenantUsers[tenantUUID]; ok {
		delete(set, userUUID)
	}
	return nil
}

func (m *Memory) TenantsForUser(_ context.Context, userUUID string) ([]store.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []store.Tenant
	for tenantUUID, users := range m.tenantUsers {
		if users[userUUID] {
			if t, ok := m.tenants[tenantUUID]; ok {
				out = append(out, t)
			}
		}
	}
	slices.SortFunc(out, func(a, b store.Tenant) int { return strings.Compare(a.UUID, b.UUID) })
	return out, nil
}

// ─── Policies ───

func (m *Memory) CreatePolicy(_ context.Context, p store.Policy) (*store.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.policies {
		if existing.Name == p.Name {
			return nil, autherr.Conflict("policy", "name", p.Name)
		}
	}

	p.UUID = newUUID()
	p.Templates = dedupeStrings(p.Templates)
	m.policies[p.UUID] = p

	cp := p
	return &cp, nil
}

func (m *Memory) GetPolicy(_ context.Context, id string) (*store.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[id]
	if !ok {
		return nil, autherr.Unknown(autherr.KindUnknownPolicy, "policy", id)
	}
	cp := p
	return &cp, nil
}

func (m *Memory) ListPolicies(_ context.Context, params store.ListParams) (store.ListResult[store.Policy], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]store.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		all = append(all, p)
	}
	slices.SortFunc(all, func(a, b store.Policy) int { return strings.Compare(a.Name, b.Name) })

	total := len(all)

	var filtered []store.Policy
	words := strings.Fields(params.Search)
	for _, p := range all {
		if matchesWords(words, p.Name, p.Description) {
			filtered = append(filtered, p)
		}
	}

	page, err := paginate(filtered, params)
	if err != nil {
		return store.ListResult[store.Policy]{}, err
	}

	return store.ListResult[store.Policy]{Total: total, Filtered: len(filtered), Items: page}, nil
}

func (m *Memory) AddPolicyTemplate(_ context.Context, policyUUID, template string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[policyUUID]
	if !ok {
		return autherr.Unknown(autherr.KindUnknownPolicy, "policy", policyUUID)
	}

	for _, t := range p.Templates {
		if t == template {
			return nil
		}
	}

	p.Templates = append(p.Templates, template)
	m.policies[policyUUID] = p
	return nil
}

func (m *Memory) RemovePolicyTemplate(_ context.Context, policyUUID, template string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[policyUUID]
	if !ok {
		return autherr.Unknown(autherr.KindUnknownPolicy, "policy", policyUUID)
	}

	out := p.Templates[:0:0]
	for _, t := range p.Templates {
		if t != template {
			out = append(out, t)
		}
	}
	p.Templates = out
	m.policies[policyUUID] = p
	return nil
}

func (m *Memory) AddUserPolicy(_ context.Context, userUUID, policyUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userUUID]; !ok {
		return autherr.Unknown(autherr.KindUnknownUser, "user", userUUID)
	}
	if _, ok := m.policies[policyUUID]; !ok {
		return autherr.Unknown(autherr.KindUnknownPolicy, "policy", policyUUID)
	}

	if m.userPolicies[userUUID] == nil {
		m.userPolicies[userUUID] = make(map[string]bool)
	}
	m.userPolicies[userUUID][policyUUID] = true
	return nil
}

func (m *Memory) RemoveUserPolicy(_ context.Context, userUUID, policyUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.userPolicies[userUUID]; ok {
		delete(set, policyUUID)
	}
	return nil
}

func (m *Memory) EffectivePolicies(_ context.Context, userUUID string) ([]store.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var out []store.Policy

	for policyUUID := range m.userPolicies[userUUID] {
		if !seen[policyUUID] {
			seen[policyUUID] = true
			out = append(out, m.policies[policyUUID])
		}
	}

	for groupUUID := range m.userGroups[userUUID] {
		for policyUUID := range m.groupPolicies[groupUUID] {
			if !seen[policyUUID] {
				seen[policyUUID] = true
				out = append(out, m.policies[policyUUID])
			}
		}
	}

	slices.SortFunc(out, func(a, b store.Policy) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// ─── Tokens ───

func (m *Memory) CreateToken(_ context.Context, t store.Token) (*store.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.UUID == "" {
		t.UUID = newUUID()
	}
	if t.SessionUUID == "" {
		t.SessionUUID = newUUID()
	}
	m.tokens[t.UUID] = t

	cp := t
	return &cp, nil
}

func (m *Memory) GetToken(_ context.Context, id string) (*store.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil, autherr.Unknown(autherr.KindUnknownToken, "token", id)
	}
	cp := t
	return &cp, nil
}

func (m *Memory) DeleteToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, id)
	return nil
}

func (m *Memory) SweepExpired(_ context.Context, now time.Time) ([]store.Token, []store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deletedTokens []store.Token
	var deletedSessions []store.Session

	for id, t := range m.tokens {
		if t.ExpireAt.Before(now) {
			deletedTokens = append(deletedTokens, t)
			deletedSessions = append(deletedSessions, store.Session{UUID: t.SessionUUID})
			delete(m.tokens, id)
		}
	}

	slices.SortFunc(deletedTokens, func(a, b store.Token) int { return strings.Compare(a.UUID, b.UUID) })
	slices.SortFunc(deletedSessions, func(a, b store.Session) int { return strings.Compare(a.UUID, b.UUID) })

	return deletedTokens, deletedSessions, nil
}

func (m *Memory) ListExpiringBetween(_ context.Context, from, to time.Time) ([]store.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []store.Token
	for _, t := range m.tokens {
		if t.ExpireAt.After(from) && !t.ExpireAt.After(to) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b store.Token) int { return strings.Compare(a.UUID, b.UUID) })
	return out, nil
}

// ─── Template context ───

func (m *Memory) GetTemplateContext(_ context.Context, userUUID string) (store.TemplateContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userUUID]
	if !ok {
		return store.TemplateContext{}, autherr.Unknown(autherr.KindUnknownUser, "user", userUUID)
	}

	ctx := store.TemplateContext{User: u}

	for groupUUID := range m.userGroups[userUUID] {
		g, ok := m.groups[groupUUID]
		if !ok {
			continue
		}
		gw := store.GroupWithUsers{UUID: g.UUID, Name: g.Name}
		for memberUUID := range m.userGroups {
			if m.userGroups[memberUUID][groupUUID] {
				gw.Users = append(gw.Users, m.users[memberUUID])
			}
		}
		slices.SortFunc(gw.Users, func(a, b store.User) int { return strings.Compare(a.UUID, b.UUID) })
		ctx.Groups = append(ctx.Groups, gw)
	}
	slices.SortFunc(ctx.Groups, func(a, b store.GroupWithUsers) int { return strings.Compare(a.UUID, b.UUID) })

	for tenantUUID, users := range m.tenantUsers {
		if users[userUUID] {
			if t, ok := m.tenants[tenantUUID]; ok {
				ctx.Tenants = append(ctx.Tenants, t)
			}
		}
	}
	slices.SortFunc(ctx.Tenants, func(a, b store.Tenant) int { return strings.Compare(a.UUID, b.UUID) })

	return ctx, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// paginate applies a dbquery-validated page to an already-filtered,
// already-sorted slice. It lives here (not in dbquery) because the memory
// store has no SQL layer to push limit/offset into.
func paginate[T any](items []T, params store.ListParams) ([]T, error) {
	page, err := validatePage(params)
	if err != nil {
		return nil, err
	}

	start := int(page.offset)
	if start > len(items) {
		start = len(items)
	}

	end := len(items)
	if page.hasLimit {
		limitEnd := start + int(page.limit)
		if limitEnd < end {
			end = limitEnd
		}
	}

	out := make([]T, end-start)
	copy(out, items[start:end])
	return out, nil
}

type validatedPage struct {
	offset   uint
	limit    uint
	hasLimit bool
}

func validatePage(params store.ListParams) (validatedPage, error) {
	var page validatedPage

	if params.LimitRaw != nil {
		if _, isBool := params.LimitRaw.(bool); isBool {
			return page, autherr.New(autherr.KindInvalidLimit, "limit must be a non-negative integer, got bool")
		}
	}
	if params.Limit != nil {
		if *params.Limit < 0 {
			return page, autherr.New(autherr.KindInvalidLimit, "limit must be non-negative, got %d", *params.Limit)
		}
		page.limit = uint(*params.Limit)
		page.hasLimit = true
	}

	if params.OffsetRaw != nil {
		if _, isBool := params.OffsetRaw.(bool); isBool {
			return page, autherr.New(autherr.KindInvalidOffset, "offset must be a non-negative integer, got bool")
		}
	}
	if params.Offset != nil {
		if *params.Offset < 0 {
			return page, autherr.New(autherr.KindInvalidOffset, "offset must be non-negative, got %d", *params.Offset)
		}
		page.offset = uint(*params.Offset)
	}

	return page, nil
}
