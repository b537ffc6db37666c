package rbac

import (
	"context"
	"fmt"

	"github.com/platinummonkey/accessgrid/pkg/audit"
)

// Catalog manages permission and role definitions.
type Catalog struct {
	env *env
}

// GetPermission returns a permission. Inactive permissions are returned as-is.
func (c *Catalog) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	return c.env.repo.GetPermission(ctx, id)
}

// ListPermissions returns permissions matching filter in catalog order.
func (c *Catalog) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	return c.env.repo.ListPermissions(ctx, filter)
}

// CreatePermission adds a permission to the catalog.
func (c *Catalog) CreatePermission(ctx context.Context, req CreatePermissionRequest) (*Permission, error) {
	ev := audit.NewEvent(audit.EventTypePermissionCreate, audit.EventStatusSuccess)
	if err := req.normalize(); err != nil {
		return nil, c.env.record(ctx, "create_permission", ev, err)
	}

	p := &Permission{
		ResourceType:       req.ResourceType,
		Action:             req.Action,
		Scope:              req.Scope,
		Description:        req.Description,
		IsActive:           true,
		IsSystemPermission: req.IsSystemPermission,
		Conditions:         req.Conditions,
		CreatedAt:          c.env.clock(),
	}
	ev.Message = p.Key()
	if err := c.env.repo.CreatePermission(ctx, p); err != nil {
		return nil, c.env.record(ctx, "create_permission", ev, err)
	}
	ev.PermissionID = p.ID
	return p, c.env.record(ctx, "create_permission", ev, nil)
}

// SetPermissionActive changes a permission's activation flag. System
// permissions are immutable.
func (c *Catalog) SetPermissionActive(ctx context.Context, id int64, active bool) error {
	ev := audit.NewEvent(audit.EventTypePermissionActivate, audit.EventStatusSuccess)
	ev.PermissionID = id
	ev.WithMetadata("active", active)

	p, err := c.env.repo.GetPermission(ctx, id)
	if err != nil {
		return c.env.record(ctx, "set_permission_active", ev, err)
	}
	if p.IsSystemPermission {
		return c.env.record(ctx, "set_permission_active", ev,
			fmt.Errorf("%w: permission %s is a system permission", ErrImmutable, p.Key()))
	}
	if p.IsActive == active {
		return c.env.record(ctx, "set_permission_active", ev, nil)
	}
	if err := c.env.repo.SetPermissionActive(ctx, id, active); err != nil {
		return c.env.record(ctx, "set_permission_active", ev, err)
	}
	// Any user may hold the permission through any role or override.
	c.env.purge(ctx, "permission_write")
	return c.env.record(ctx, "set_permission_active", ev, nil)
}

// GetRole returns a role. Inactive roles are returned as-is.
func (c *Catalog) GetRole(ctx context.Context, id int64) (*Role, error) {
	return c.env.repo.GetRole(ctx, id)
}

// GetRoleByName returns the role with the given unique name.
func (c *Catalog) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return c.env.repo.GetRoleByName(ctx, name)
}

// ListRoles returns roles matching filter, highest level first.
func (c *Catalog) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error) {
	return c.env.repo.ListRoles(ctx, filter)
}

// CreateRole adds a role. The parent, if any, must exist.
func (c *Catalog) CreateRole(ctx context.Context, req CreateRoleRequest) (*Role, error) {
	ev := audit.NewEvent(audit.EventTypeRoleCreate, audit.EventStatusSuccess)
	if err := req.normalize(); err != nil {
		return nil, c.env.record(ctx, "create_role", ev, err)
	}
	ev.Message = req.Name

	r := &Role{
		Name:         req.Name,
		Description:  req.Description,
		Level:        req.Level,
		ParentRoleID: req.ParentRoleID,
		IsActive:     true,
		IsSystemRole: req.IsSystemRole,
	}
	if err := c.env.repo.CreateRole(ctx, r); err != nil {
		return nil, c.env.record(ctx, "create_role", ev, err)
	}
	ev.RoleID = r.ID
	return r, c.env.record(ctx, "create_role", ev, nil)
}

// UpdateRole replaces a role's editable attributes. System roles are
// immutable, the name cannot change and the parent must not form a cycle.
func (c *Catalog) UpdateRole(ctx context.Context, req UpdateRoleRequest) (*Role, error) {
	ev := audit.NewEvent(audit.EventTypeRoleUpdate, audit.EventStatusSuccess)
	ev.RoleID = req.ID
	if err := req.normalize(); err != nil {
		return nil, c.env.record(ctx, "update_role", ev, err)
	}

	existing, err := c.env.repo.GetRole(ctx, req.ID)
	if err != nil {
		return nil, c.env.record(ctx, "update_role", ev, err)
	}
	ev.Message = existing.Name
	if existing.IsSystemRole {
		return nil, c.env.record(ctx, "update_role", ev,
			fmt.Errorf("%w: role %q is a system role", ErrImmutable, existing.Name))
	}
	if req.Name != "" && req.Name != existing.Name {
		return nil, c.env.record(ctx, "update_role", ev, invalid("name", "cannot be changed after creation"))
	}
	if req.ParentRoleID != nil {
		if err := c.checkParent(ctx, req.ID, *req.ParentRoleID); err != nil {
			return nil, c.env.record(ctx, "update_role", ev, err)
		}
	}

	updated := *existing
	updated.Description = req.Description
	updated.Level = req.Level
	updated.ParentRoleID = req.ParentRoleID
	updated.IsActive = req.IsActive
	if err := c.env.repo.UpdateRole(ctx, &updated); err != nil {
		return nil, c.env.record(ctx, "update_role", ev, err)
	}

	// Level picks the attributed role, so any change can alter holders' sets.
	c.env.invalidateRoleHolders(ctx, updated.ID)
	return &updated, c.env.record(ctx, "update_role", ev, nil)
}

// checkParent rejects a parent that is roleID itself or one of its descendants.
func (c *Catalog) checkParent(ctx context.Context, roleID, parentID int64) error {
	if parentID == roleID {
		return invalid("parent_role_id", "a role cannot be its own parent")
	}
	chain, err := c.ResolveRoleHierarchy(ctx, parentID)
	if err != nil {
		return err
	}
	for _, ancestor := range chain {
		if ancestor.ID == roleID {
			return invalid("parent_role_id", "role %d would become its own ancestor", roleID)
		}
	}
	return nil
}

// DeleteRole removes a role and its grants. System roles are immutable and a
// role still assigned to users cannot be deleted.
func (c *Catalog) DeleteRole(ctx context.Context, id int64) error {
	ev := audit.NewEvent(audit.EventTypeRoleDelete, audit.EventStatusSuccess)
	ev.RoleID = id

	r, err := c.env.repo.GetRole(ctx, id)
	if err != nil {
		return c.env.record(ctx, "delete_role", ev, err)
	}
	ev.Message = r.Name
	if r.IsSystemRole {
		return c.env.record(ctx, "delete_role", ev,
			fmt.Errorf("%w: role %q is a system role", ErrImmutable, r.Name))
	}
	// Holders of expired or future assignments may still have cached sets.
	holders, holdersErr := c.env.repo.ListRoleHolders(ctx, id)
	if err := c.env.repo.DeleteRole(ctx, id, c.env.clock()); err != nil {
		return c.env.record(ctx, "delete_role", ev, err)
	}
	if holdersErr != nil {
		c.env.purge(ctx, "role_write")
	} else {
		c.env.invalidateUsers(ctx, "role_write", holders...)
	}
	return c.env.record(ctx, "delete_role", ev, nil)
}

// ResolveRoleHierarchy returns the ancestors of roleID, nearest first. The
// chain is informational: it does not grant anything unless inheritance is
// enabled on the engine.
func (c *Catalog) ResolveRoleHierarchy(ctx context.Context, roleID int64) ([]Role, error) {
	r, err := c.env.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}

	var chain []Role
	seen := map[int64]bool{r.ID: true}
	for r.ParentRoleID != nil {
		parentID := *r.ParentRoleID
		if seen[parentID] {
			return nil, fmt.Errorf("role hierarchy cycle at role %d", parentID)
		}
		seen[parentID] = true
		if r, err = c.env.repo.GetRole(ctx, parentID); err != nil {
			return nil, fmt.Errorf("resolving parent of role %d: %w", roleID, err)
		}
		chain = append(chain, *r)
	}
	return chain, nil
}
