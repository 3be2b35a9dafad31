package models

import (
	"time"
)

// ACS domain model for multi-tenant access control. The permission graph
// owns every node; callers hold stable int64 ids, never object references.

// EntityKind identifies which principal type owns a permission entity.
type EntityKind string

const (
	EntityKindUser  EntityKind = "user"
	EntityKindGroup EntityKind = "group"
	EntityKindRole  EntityKind = "role"
)

// User is a principal. Email is unique per tenant (case-insensitive).
type User struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenantId"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	EntityID  int64     `json:"entityId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy"`
}

// Group participates in a per-tenant parent/child hierarchy. The hierarchy
// is a DAG: no cycles, parent != child.
type Group struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	EntityID  int64     `json:"entityId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy"`
}

// Role is a named permission holder assignable to users and groups.
type Role struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	EntityID  int64     `json:"entityId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy"`
}

// Resource binds a URI pattern to an id. Two resources in a tenant never
// share an identical pattern. Pattern grammar: literal segments match
// case-insensitively, `*` matches any sequence including `/`, `?` matches a
// single character, `{name}` matches one non-empty segment without `/`.
type Resource struct {
	ID         int64     `json:"id"`
	TenantID   string    `json:"tenantId"`
	URIPattern string    `json:"uriPattern"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	CreatedBy  string    `json:"createdBy"`
}

// Verb is a tenant-scoped named action (GET, POST, READ, WRITE, ...).
// Names are stored upper-case and are unique per tenant.
type Verb struct {
	ID       int64  `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
}

// Entity is the polymorphic permission anchor. Exactly one of
// {User, Group, Role} refers to each entity.
type Entity struct {
	ID       int64      `json:"id"`
	TenantID string     `json:"tenantId"`
	Kind     EntityKind `json:"kind"`
	OwnerID  int64      `json:"ownerId"` // id of the owning user/group/role
}

// PermissionScheme anchors a set of URI accesses to an entity.
type PermissionScheme struct {
	ID       int64  `json:"id"`
	TenantID string `json:"tenantId"`
	EntityID int64  `json:"entityId"`
}

// AccessEffect is the single effect a URIAccess row carries.
type AccessEffect string

const (
	AccessGrant AccessEffect = "grant"
	AccessDeny  AccessEffect = "deny"
)

// URIAccess is one grant-or-deny fact: scheme x resource x verb.
// Exactly one of Grant/Deny is true.
type URIAccess struct {
	ID         int64     `json:"id"`
	SchemeID   int64     `json:"schemeId"`
	ResourceID int64     `json:"resourceId"`
	VerbID     int64     `json:"verbId"`
	Grant      bool      `json:"grant"`
	Deny       bool      `json:"deny"`
	CreatedAt  time.Time `json:"createdAt"`
	CreatedBy  string    `json:"createdBy"`
}

// Effect returns the row's effect, or an Internal error when the row is
// malformed (both or neither flag set), which callers escalate as a
// security anomaly.
func (a *URIAccess) Effect() (AccessEffect, error) {
	switch {
	case a.Grant && !a.Deny:
		return AccessGrant, nil
	case a.Deny && !a.Grant:
		return AccessDeny, nil
	default:
		return "", NewInternalError("uri access row has inconsistent grant/deny flags", nil)
	}
}

// MembershipMode selects how memberships are resolved.
type MembershipMode string

const (
	MembershipDirect     MembershipMode = "direct"
	MembershipTransitive MembershipMode = "transitive"
)

// RoleResolution selects how roles are resolved for a user.
type RoleResolution string

const (
	RolesDirect    RoleResolution = "direct"
	RolesInherited RoleResolution = "inherited"
	RolesEffective RoleResolution = "effective"
)
