package rbac

import (
	"context"
	"fmt"

	"github.com/platinummonkey/accessgrid/pkg/audit"
)

// PermissionMatrix is the role × permission grid of role grants. It never
// reflects user overrides.
type PermissionMatrix struct {
	Roles       []Role                   `json:"roles"`
	Permissions []Permission             `json:"permissions"`
	Grid        map[int64]map[int64]bool `json:"grid"`
	readOnly    map[int64]map[int64]bool
}

// Granted reports whether roleID grants permissionID.
func (m *PermissionMatrix) Granted(roleID, permissionID int64) bool {
	return m.Grid[roleID][permissionID]
}

// ReadOnly reports whether the cell would be rejected as immutable. It mirrors
// the guard applied by ToggleCell so callers can render the cell locked.
func (m *PermissionMatrix) ReadOnly(roleID, permissionID int64) bool {
	return m.readOnly[roleID][permissionID]
}

// CellChange is one edited cell of a matrix.
type CellChange struct {
	RoleID       int64 `json:"role_id"`
	PermissionID int64 `json:"permission_id"`
	Granted      bool  `json:"granted"`
}

// CellResult reports the outcome of one CellChange.
type CellResult struct {
	CellChange
	Changed bool  `json:"changed"`
	Err     error `json:"-"`
}

// Matrix projects and edits role grants as a grid.
type Matrix struct {
	env *env
}

// BuildMatrix returns the grid for roles and permissions matching the filters.
func (m *Matrix) BuildMatrix(ctx context.Context, roleFilter RoleFilter, permFilter PermissionFilter) (*PermissionMatrix, error) {
	roles, err := m.env.repo.ListRoles(ctx, roleFilter)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	perms, err := m.env.repo.ListPermissions(ctx, permFilter)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}

	matrix := &PermissionMatrix{
		Roles:       roles,
		Permissions: perms,
		Grid:        make(map[int64]map[int64]bool, len(roles)),
		readOnly:    make(map[int64]map[int64]bool, len(roles)),
	}
	roleIDs := make([]int64, 0, len(roles))
	for _, r := range roles {
		roleIDs = append(roleIDs, r.ID)
		row := make(map[int64]bool, len(perms))
		locked := make(map[int64]bool, len(perms))
		for _, p := range perms {
			row[p.ID] = false
			locked[p.ID] = r.IsSystemRole || p.IsSystemPermission
		}
		matrix.Grid[r.ID] = row
		matrix.readOnly[r.ID] = locked
	}
	if len(roleIDs) == 0 {
		return matrix, nil
	}

	grants, err := m.env.repo.ListRoleGrants(ctx, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("listing role grants: %w", err)
	}
	for _, g := range grants {
		if row, ok := matrix.Grid[g.RoleID]; ok {
			if _, shown := row[g.PermissionID]; shown {
				row[g.PermissionID] = true
			}
		}
	}
	return matrix, nil
}

// ToggleCell flips one grant atomically and returns the new state.
func (m *Matrix) ToggleCell(ctx context.Context, roleID, permissionID int64) (bool, error) {
	ev := grantEvent(audit.EventTypeRoleGrantToggle, roleID, permissionID)
	guard := &AssignmentStore{env: m.env}
	if _, _, err := guard.checkGrantable(ctx, roleID, permissionID); err != nil {
		return false, m.env.record(ctx, "toggle_cell", ev, err)
	}
	granted, err := m.env.repo.ToggleRoleGrant(ctx, roleID, permissionID)
	if err != nil {
		return false, m.env.record(ctx, "toggle_cell", ev, err)
	}
	ev.WithMetadata("granted", granted)
	m.env.invalidateRoleHolders(ctx, roleID)
	return granted, m.env.record(ctx, "toggle_cell", ev, nil)
}

// ApplyChanges sets each cell to its requested state. Cells are independent:
// a failure is reported on its own result and does not stop the rest. Setting
// a cell to its current state is a no-op, so concurrent editors converge on
// the last write.
func (m *Matrix) ApplyChanges(ctx context.Context, changes []CellChange) []CellResult {
	guard := &AssignmentStore{env: m.env}
	results := make([]CellResult, len(changes))
	touched := make(map[int64]bool)
	for i, change := range changes {
		res := CellResult{CellChange: change}
		if err := ctx.Err(); err != nil {
			res.Err = err
			results[i] = res
			continue
		}

		ev := grantEvent(audit.EventTypeRoleGrantToggle, change.RoleID, change.PermissionID)
		ev.WithMetadata("granted", change.Granted)
		if _, _, err := guard.checkGrantable(ctx, change.RoleID, change.PermissionID); err != nil {
			res.Err = m.env.record(ctx, "set_cell", ev, err)
			results[i] = res
			continue
		}
		changed, err := m.env.repo.SetRoleGrant(ctx, change.RoleID, change.PermissionID, change.Granted)
		if err != nil {
			res.Err = m.env.record(ctx, "set_cell", ev, err)
			results[i] = res
			continue
		}
		res.Changed = changed
		if changed {
			touched[change.RoleID] = true
			m.env.record(ctx, "set_cell", ev, nil)
		}
		results[i] = res
	}
	for roleID := range touched {
		m.env.invalidateRoleHolders(ctx, roleID)
	}
	return results
}
