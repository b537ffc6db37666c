package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/accessgrid/pkg/rbac"
)

// roleChain selects the ids of every role assigned to $1 plus their
// ancestors. UNION drops revisited ids, so a corrupt cycle terminates.
const roleChain = `
	WITH RECURSIVE chain(id) AS (
		SELECT role_id FROM user_role_assignments WHERE user_id = $1
		UNION
		SELECT r.parent_role_id FROM roles r JOIN chain c ON r.id = c.id
		WHERE r.parent_role_id IS NOT NULL
	)
`

// PrincipalSnapshot reads the user's inputs in a single read-only
// transaction.
func (r *Repository) PrincipalSnapshot(ctx context.Context, userID string) (*rbac.PrincipalSnapshot, error) {
	snap := &rbac.PrincipalSnapshot{
		UserID:      userID,
		Roles:       make(map[int64]rbac.Role),
		Grants:      make(map[int64][]int64),
		Permissions: make(map[int64]rbac.Permission),
	}

	err := r.withTx(ctx, r.dialect.snapshotTxOptions(), func(tx *sql.Tx) error {
		var err error
		snap.Assignments, err = queryAssignments(ctx, tx,
			`SELECT `+assignmentColumns+` FROM user_role_assignments WHERE user_id = $1 ORDER BY id`, userID)
		if err != nil {
			return err
		}
		snap.Overrides, err = queryOverrides(ctx, tx,
			`SELECT `+overrideColumns+` FROM user_permission_overrides WHERE user_id = $1 ORDER BY id`, userID)
		if err != nil {
			return err
		}

		roles, err := queryRoles(ctx, tx, roleChain+
			`SELECT `+roleColumns+` FROM roles WHERE id IN (SELECT id FROM chain)`, userID)
		if err != nil {
			return err
		}
		for _, role := range roles {
			snap.Roles[role.ID] = role
			snap.Grants[role.ID] = []int64{}
		}

		grants, err := queryGrants(ctx, tx, roleChain+`
			SELECT role_id, permission_id FROM role_permissions
			WHERE role_id IN (SELECT id FROM chain)
			ORDER BY role_id, permission_id
		`, userID)
		if err != nil {
			return err
		}
		for _, g := range grants {
			snap.Grants[g.RoleID] = append(snap.Grants[g.RoleID], g.PermissionID)
		}

		perms, err := queryPermissions(ctx, tx, roleChain+`
			SELECT `+permissionColumns+` FROM permissions
			WHERE id IN (SELECT permission_id FROM role_permissions WHERE role_id IN (SELECT id FROM chain))
			   OR id IN (SELECT permission_id FROM user_permission_overrides WHERE user_id = $1)
		`, userID)
		if err != nil {
			return err
		}
		for _, p := range perms {
			snap.Permissions[p.ID] = p
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot of user %s: %w", userID, err)
	}
	return snap, nil
}
