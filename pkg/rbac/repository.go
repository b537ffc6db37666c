package rbac

import (
	"context"
	"time"
)

// RoleFilter narrows role listings.
type RoleFilter struct {
	IDs             []int64
	NameContains    string
	MinLevel        *int
	IncludeInactive bool
}

// PermissionFilter narrows permission listings.
type PermissionFilter struct {
	IDs             []int64
	ResourceType    string
	Action          string
	Scope           *ScopeLevel
	IncludeInactive bool
}

// TemplateFilter narrows template listings.
type TemplateFilter struct {
	TemplateType    string
	IncludeInactive bool
}

// CatalogRepository persists permission and role definitions.
type CatalogRepository interface {
	CreatePermission(ctx context.Context, p *Permission) error
	GetPermission(ctx context.Context, id int64) (*Permission, error)
	ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error)
	SetPermissionActive(ctx context.Context, id int64, active bool) error

	CreateRole(ctx context.Context, r *Role) error
	GetRole(ctx context.Context, id int64) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error)
	UpdateRole(ctx context.Context, r *Role) error
	// DeleteRole fails with ErrConflict while active, unexpired assignments
	// reference the role at now.
	DeleteRole(ctx context.Context, id int64, now time.Time) error
}

// GrantRepository persists role grants. Each method is one atomic operation.
type GrantRepository interface {
	// InsertRoleGrant fails with ErrConflict if the grant exists.
	InsertRoleGrant(ctx context.Context, roleID, permissionID int64) error
	// DeleteRoleGrant fails with ErrNotFound if the grant is absent.
	DeleteRoleGrant(ctx context.Context, roleID, permissionID int64) error
	// SetRoleGrant makes presence equal to granted and reports whether
	// anything changed.
	SetRoleGrant(ctx context.Context, roleID, permissionID int64, granted bool) (bool, error)
	// ToggleRoleGrant flips presence and returns the new state.
	ToggleRoleGrant(ctx context.Context, roleID, permissionID int64) (bool, error)
	ListRoleGrants(ctx context.Context, roleIDs []int64) ([]RoleGrant, error)
	// ListRoleHolders returns users with an active-flagged assignment of roleID,
	// whatever its time window.
	ListRoleHolders(ctx context.Context, roleID int64) ([]string, error)
}

// AssignmentRepository persists user role assignments and overrides.
type AssignmentRepository interface {
	// InsertAssignment deactivates expired rows for the same (user, role,
	// scope) and fails with ErrConflict if an active one remains.
	InsertAssignment(ctx context.Context, a *UserRoleAssignment, now time.Time) error
	DeactivateAssignment(ctx context.Context, userID string, roleID int64, scope Scope, now time.Time) (*UserRoleAssignment, error)
	ListAssignments(ctx context.Context, userID string) ([]UserRoleAssignment, error)

	// InsertOverride deactivates expired rows for the same (user,
	// permission, scope) and fails with ErrConflict if an active one remains.
	InsertOverride(ctx context.Context, o *UserPermissionOverride, now time.Time) error
	DeactivateOverride(ctx context.Context, userID string, permissionID int64, scope Scope, now time.Time) (*UserPermissionOverride, error)
	ListOverrides(ctx context.Context, userID string) ([]UserPermissionOverride, error)

	// DeactivateExpired flags every active assignment and override whose
	// upper bound is at or before now and returns them.
	DeactivateExpired(ctx context.Context, now time.Time) ([]UserRoleAssignment, []UserPermissionOverride, error)

	// PrincipalSnapshot reads a consistent view of one user's inputs.
	PrincipalSnapshot(ctx context.Context, userID string) (*PrincipalSnapshot, error)
}

// TemplateRepository persists permission templates.
type TemplateRepository interface {
	CreateTemplate(ctx context.Context, t *PermissionTemplate) error
	GetTemplate(ctx context.Context, id int64) (*PermissionTemplate, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]PermissionTemplate, error)
	UpdateTemplate(ctx context.Context, t *PermissionTemplate) error
	DeleteTemplate(ctx context.Context, id int64) error
	// IncrementTemplateUsage atomically adds one and returns the new count.
	IncrementTemplateUsage(ctx context.Context, id int64) (int64, error)
}

// Repository is the full persistence contract of the engine.
type Repository interface {
	CatalogRepository
	GrantRepository
	AssignmentRepository
	TemplateRepository
}
