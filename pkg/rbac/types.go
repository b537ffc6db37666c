package rbac

import (
	"encoding/json"
	"fmt"
	"time"
)

// Permission is an immutable capability definition. (ResourceType, Action,
// Scope) is unique across the catalog.
type Permission struct {
	ID                 int64           `json:"id"`
	ResourceType       string          `json:"resource_type"`
	Action             string          `json:"action"`
	Scope              ScopeLevel      `json:"scope"`
	Description        string          `json:"description,omitempty"`
	IsActive           bool            `json:"is_active"`
	IsSystemPermission bool            `json:"is_system_permission"`
	Conditions         json.RawMessage `json:"conditions,omitempty"` // opaque caller metadata
	CreatedAt          time.Time       `json:"created_at"`
}

// Key returns the resource:action:scope identity of the permission.
func (p Permission) Key() string {
	return PermissionKey(p.ResourceType, p.Action, p.Scope)
}

// PermissionKey formats a permission identity.
func PermissionKey(resourceType, action string, scope ScopeLevel) string {
	return fmt.Sprintf("%s:%s:%s", resourceType, action, scope)
}

// Role groups permissions. Level orders roles by authority; ParentRoleID is
// informational unless inheritance is enabled on the resolver.
type Role struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Level        int       `json:"level"`
	ParentRoleID *int64    `json:"parent_role_id,omitempty"`
	IsActive     bool      `json:"is_active"`
	IsSystemRole bool      `json:"is_system_role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RoleGrant records that a role grants a permission. Roles only ever grant.
type RoleGrant struct {
	RoleID       int64 `json:"role_id"`
	PermissionID int64 `json:"permission_id"`
}

// UserRoleAssignment binds a role to a user within a scope and time window.
type UserRoleAssignment struct {
	ID             int64      `json:"id"`
	UserID         string     `json:"user_id"`
	RoleID         int64      `json:"role_id"`
	Scope          Scope      `json:"scope"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	IsActive       bool       `json:"is_active"`
	GrantedBy      string     `json:"granted_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsEffectiveAt reports whether the assignment is in force at t.
func (a UserRoleAssignment) IsEffectiveAt(t time.Time) bool {
	return effectiveAt(a.IsActive, a.EffectiveFrom, a.EffectiveUntil, t)
}

// ExpiredAt reports whether the row is still flagged active past its upper
// bound at t.
func (a UserRoleAssignment) ExpiredAt(t time.Time) bool {
	return expiredAt(a.IsActive, a.EffectiveUntil, t)
}

// UserPermissionOverride grants or denies one permission to one user,
// independently of role membership.
type UserPermissionOverride struct {
	ID             int64      `json:"id"`
	UserID         string     `json:"user_id"`
	PermissionID   int64      `json:"permission_id"`
	IsGranted      bool       `json:"is_granted"`
	Scope          Scope      `json:"scope"`
	Reason         string     `json:"reason,omitempty"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	IsActive       bool       `json:"is_active"`
	GrantedBy      string     `json:"granted_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsEffectiveAt reports whether the override is in force at t.
func (o UserPermissionOverride) IsEffectiveAt(t time.Time) bool {
	return effectiveAt(o.IsActive, o.EffectiveFrom, o.EffectiveUntil, t)
}

// ExpiredAt reports whether the row is still flagged active past its upper
// bound at t.
func (o UserPermissionOverride) ExpiredAt(t time.Time) bool {
	return expiredAt(o.IsActive, o.EffectiveUntil, t)
}

func effectiveAt(active bool, from time.Time, until *time.Time, t time.Time) bool {
	if !active {
		return false
	}
	if !from.IsZero() && from.After(t) {
		return false
	}
	return until == nil || t.Before(*until)
}

// expiredAt reports whether an active row has run past its upper bound.
func expiredAt(active bool, until *time.Time, t time.Time) bool {
	return active && until != nil && !t.Before(*until)
}

// PermissionTemplate is a named snapshot of permission ids. Applying it copies
// the ids onto the target; nothing links the target back to the template.
type PermissionTemplate struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	TemplateType     string    `json:"template_type,omitempty"`
	IsSystemTemplate bool      `json:"is_system_template"`
	PermissionIDs    []int64   `json:"permission_ids"`
	UsageCount       int64     `json:"usage_count"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SourceKind says where an effective permission came from.
type SourceKind string

const (
	SourceRole   SourceKind = "role"
	SourceDirect SourceKind = "direct"
)

// Source attributes an effective permission.
type Source struct {
	Kind     SourceKind `json:"source"`
	RoleName string     `json:"role_name,omitempty"`
	// GrantedBy lists every role that granted the permission, sorted.
	GrantedBy []string `json:"granted_by,omitempty"`
}

// EffectivePermission is one entry of a resolved permission set.
type EffectivePermission struct {
	PermissionID int64      `json:"permission_id"`
	Key          string     `json:"key"`
	Permission   Permission `json:"permission"`
	Source       Source     `json:"source"`
}

// DeniedPermission records a permission removed by a deny override.
type DeniedPermission struct {
	PermissionID int64  `json:"permission_id"`
	Key          string `json:"key"`
	Reason       string `json:"reason"`
	Scope        Scope  `json:"scope"`
}

// EffectivePermissionSet is the resolved answer for one principal, context
// scope and instant.
type EffectivePermissionSet struct {
	UserID      string                `json:"user_id"`
	Scope       Scope                 `json:"scope"`
	AsOf        time.Time             `json:"as_of"`
	Permissions []EffectivePermission `json:"permissions"`
	Denied      []DeniedPermission    `json:"denied,omitempty"`

	// ValidFrom and ValidUntil bound the instants for which the same store
	// contents yield this same set. Zero means unbounded.
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
}

// Has reports whether the set contains the permission id.
func (s *EffectivePermissionSet) Has(permissionID int64) bool {
	_, ok := s.Lookup(permissionID)
	return ok
}

// Lookup returns the entry for permissionID.
func (s *EffectivePermissionSet) Lookup(permissionID int64) (EffectivePermission, bool) {
	for _, p := range s.Permissions {
		if p.PermissionID == permissionID {
			return p, true
		}
	}
	return EffectivePermission{}, false
}

// LookupKey returns the entry with the given resource:action:scope key.
func (s *EffectivePermissionSet) LookupKey(key string) (EffectivePermission, bool) {
	for _, p := range s.Permissions {
		if p.Key == key {
			return p, true
		}
	}
	return EffectivePermission{}, false
}

// Covers reports whether the set is valid for a resolution at t.
func (s *EffectivePermissionSet) Covers(t time.Time) bool {
	if !s.ValidFrom.IsZero() && t.Before(s.ValidFrom) {
		return false
	}
	return s.ValidUntil.IsZero() || t.Before(s.ValidUntil)
}

// Decision answers a single authorization question.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	Source    *Source   `json:"source,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// PrincipalSnapshot is a consistent read of everything resolution needs for
// one user. Roles includes the ancestors of assigned roles.
type PrincipalSnapshot struct {
	UserID      string
	Assignments []UserRoleAssignment
	Overrides   []UserPermissionOverride
	Roles       map[int64]Role
	Grants      map[int64][]int64 // role id -> permission ids
	Permissions map[int64]Permission
}
