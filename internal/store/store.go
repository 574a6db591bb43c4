// Package store defines the identity-graph and token persistence contract
// shared by the postgres, sqlite3, and memory implementations. Nothing
// above this package depends on a concrete backend; internal/token,
// internal/sweeper, and internal/backend/local depend only on the
// interfaces and types declared here.
//
// Grounded on the teacher's store layering (internal/store/store.go
// dispatching to a concrete backend behind a Storer-shaped interface) and
// on the entity/relationship shape of the core's §3/§6 schema.
package store

import (
	"context"
	"time"
)

// ActorKind distinguishes the owning user from an administrator when
// applying an email update: an admin-applied confirmed flag is honored
// as-is, a self-applied one is always reset to false.
type ActorKind int

const (
	ActorOwner ActorKind = iota
	ActorAdmin
)

// User is an identity graph node.
type User struct {
	UUID         string
	Username     string
	Firstname    string
	Lastname     string
	PasswordHash []byte
	Emails       []Email
}

// Email is one address bound to a user; Main marks the single address used
// for e.g. password-reset delivery.
type Email struct {
	UUID      string
	Address   string
	Main      bool
	Confirmed bool
}

// EmailInput is the desired state for one address in an UpdateEmails call.
type EmailInput struct {
	Address   string
	Main      bool
	Confirmed bool
}

// Group is a named collection of users that can carry its own policies.
type Group struct {
	UUID string
	Name string
}

// GroupWithUsers is the template-context shape: a group and the users
// currently in it.
type GroupWithUsers struct {
	UUID  string
	Name  string
	Users []User
}

// Tenant is a named organizational boundary a user may belong to.
type Tenant struct {
	UUID string
	Name string
}

// Policy is a named bundle of ACL templates. The rendered ACLs are not part
// of the Policy itself; they are produced at mint time by expanding
// Templates through internal/tmplrender.
type Policy struct {
	UUID        string
	Name        string
	Description string
	Templates   []string
}

// Token is a minted session. Metadata is opaque to the store; the token
// manager stores the caller-supplied fields as given, and the sweeper reads
// tenant_uuid from it when present.
type Token struct {
	UUID         string
	AuthID       string
	UserUUID     string
	XivoUUID     string
	IssuedAt     time.Time
	ExpireAt     time.Time
	ACLs         []string
	Metadata     map[string]any
	SessionUUID  string
	RemoteAddr   string
	UserAgent    string
	RefreshToken string
}

// Session is the thin record the sweeper correlates deleted tokens against.
type Session struct {
	UUID string
}

// TemplateContext is the lazily-fetched identity-graph snapshot handed to
// internal/tmplrender when a policy's ACL template turns out to need it.
type TemplateContext struct {
	User    User
	Groups  []GroupWithUsers
	Tenants []Tenant
}

// ListResult is the {total, filtered, items} shape every list operation
// returns: total ignores search/strict filters, filtered reflects them.
type ListResult[T any] struct {
	Total    int
	Filtered int
	Items    []T
}

// ListParams is the common list-query grammar: free-text search, named
// strict-match filters, and pagination/sort.
type ListParams struct {
	Search    string
	Strict    map[string]any
	Order     string
	Direction string
	Limit     *int64
	LimitRaw  any
	Offset    *int64
	OffsetRaw any
}

// Store is the full identity-graph and token persistence contract.
type Store interface {
	UserStore
	GroupStore
	TenantStore
	PolicyStore
	TokenStore

	// GetTemplateContext fetches the identity-graph snapshot for a user:
	// the user record, the groups they belong to (each with its member
	// users), and the tenants they belong to. It is the get_data_fn of
	// the core's lazy template renderer.
	GetTemplateContext(ctx context.Context, userUUID string) (TemplateContext, error)

	Close()
}

// UserStore is the user and email half of the identity graph.
type UserStore interface {
	CreateUser(ctx context.Context, u User) (*User, error)
	GetUserByUUID(ctx context.Context, uuid string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context, params ListParams) (ListResult[User], error)

	// UpdateEmails reconciles a user's email set to exactly desired in one
	// unit of work, preserving the uuid of any address that already
	// existed. actor governs whether a caller-supplied confirmed=true is
	// honored (ActorAdmin) or forced to false (ActorOwner).
	UpdateEmails(ctx context.Context, userUUID string, desired []EmailInput, actor ActorKind) ([]Email, error)
}

// GroupStore manages groups, their membership, and the policies attached to
// them.
type GroupStore interface {
	CreateGroup(ctx context.Context, g Group) (*Group, error)
	GetGroup(ctx context.Context, uuid string) (*Group, error)
	GetGroupWithUsers(ctx context.Context, uuid string) (*GroupWithUsers, error)
	ListGroups(ctx context.Context, params ListParams) (ListResult[Group], error)

	// AddUserToGroup / RemoveUserFromGroup are idempotent: repeating a call
	// leaves the membership state unchanged and returns no error.
	AddUserToGroup(ctx context.Context, groupUUID, userUUID string) error
	RemoveUserFromGroup(ctx context.Context, groupUUID, userUUID string) error

	// AddGroupPolicy / RemoveGroupPolicy are idempotent.
	AddGroupPolicy(ctx context.Context, groupUUID, policyUUID string) error
	RemoveGroupPolicy(ctx context.Context, groupUUID, policyUUID string) error

	// GroupsForUser returns every group the user belongs to.
	GroupsForUser(ctx context.Context, userUUID string) ([]Group, error)
}

// TenantStore manages tenants and their user membership.
type TenantStore interface {
	CreateTenant(ctx context.Context, t Tenant) (*Tenant, error)
	GetTenant(ctx context.Context, uuid string) (*Tenant, error)
	ListTenants(ctx context.Context, params ListParams) (ListResult[Tenant], error)

	AddTenantUser(ctx context.Context, tenantUUID, userUUID string) error
	RemoveTenantUser(ctx context.Context, tenantUUID, userUUID string) error

	TenantsForUser(ctx context.Context, userUUID string) ([]Tenant, error)
}

// PolicyStore manages policies, their ACL templates, and direct
// user-policy associations.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p Policy) (*Policy, error)
	GetPolicy(ctx context.Context, uuid string) (*Policy, error)
	ListPolicies(ctx context.Context, params ListParams) (ListResult[Policy], error)

	// AddPolicyTemplate / RemovePolicyTemplate are idempotent. Adding a
	// template already present on the policy is a no-op, not a conflict.
	AddPolicyTemplate(ctx context.Context, policyUUID, template string) error
	RemovePolicyTemplate(ctx context.Context, policyUUID, template string) error

	AddUserPolicy(ctx context.Context, userUUID, policyUUID string) error
	RemoveUserPolicy(ctx context.Context, userUUID, policyUUID string) error

	// EffectivePolicies returns the user's direct policies unioned with
	// every policy attached to a group the user belongs to, deduplicated
	// by policy uuid.
	EffectivePolicies(ctx context.Context, userUUID string) ([]Policy, error)
}

// TokenStore manages minted sessions.
type TokenStore interface {
	CreateToken(ctx context.Context, t Token) (*Token, error)
	GetToken(ctx context.Context, uuid string) (*Token, error)

	// DeleteToken is idempotent: deleting an already-absent token returns
	// no error.
	DeleteToken(ctx context.Context, uuid string) error

	// SweepExpired deletes, in one unit of work, every token whose
	// ExpireAt is strictly before now, along with their sessions, and
	// returns both deleted sets so the caller can correlate them for event
	// publication.
	SweepExpired(ctx context.Context, now time.Time) (tokens []Token, sessions []Session, err error)

	// ListExpiringBetween returns tokens whose ExpireAt falls in
	// (from, to], for the sweeper's notice phase.
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]Token, error)
}
