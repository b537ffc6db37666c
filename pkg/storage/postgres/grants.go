package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/accessgrid/pkg/rbac"
)

// checkGrantRefs verifies both ends of a grant and locks the role row, which
// serialises concurrent grant edits of one role.
func (r *Repository) checkGrantRefs(ctx context.Context, tx *sql.Tx, roleID, permissionID int64) error {
	ok, err := exists(ctx, tx, `SELECT 1 FROM roles WHERE id = $1`+r.dialect.forUpdate(), roleID)
	if err != nil {
		return fmt.Errorf("failed to check role: %w", err)
	}
	if !ok {
		return notFound("role", roleID)
	}
	ok, err = exists(ctx, tx, `SELECT 1 FROM permissions WHERE id = $1`, permissionID)
	if err != nil {
		return fmt.Errorf("failed to check permission: %w", err)
	}
	if !ok {
		return notFound("permission", permissionID)
	}
	return nil
}

func (r *Repository) insertGrant(ctx context.Context, tx *sql.Tx, roleID, permissionID int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO NOTHING
	`, roleID, permissionID, r.clock())
	if err != nil {
		return false, fmt.Errorf("failed to insert role grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func deleteGrant(ctx context.Context, tx *sql.Tx, roleID, permissionID int64) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return false, fmt.Errorf("failed to delete role grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// InsertRoleGrant adds a grant.
func (r *Repository) InsertRoleGrant(ctx context.Context, roleID, permissionID int64) error {
	return r.withTx(ctx, nil, func(tx *sql.Tx) error {
		if err := r.checkGrantRefs(ctx, tx, roleID, permissionID); err != nil {
			return err
		}
		inserted, err := r.insertGrant(ctx, tx, roleID, permissionID)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("%w: role %d already grants permission %d", rbac.ErrConflict, roleID, permissionID)
		}
		return nil
	})
}

// DeleteRoleGrant removes a grant.
func (r *Repository) DeleteRoleGrant(ctx context.Context, roleID, permissionID int64) error {
	return r.withTx(ctx, nil, func(tx *sql.Tx) error {
		deleted, err := deleteGrant(ctx, tx, roleID, permissionID)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%w: role %d does not grant permission %d", rbac.ErrNotFound, roleID, permissionID)
		}
		return nil
	})
}

// SetRoleGrant makes grant presence equal to granted.
func (r *Repository) SetRoleGrant(ctx context.Context, roleID, permissionID int64, granted bool) (bool, error) {
	var changed bool
	err := r.withTx(ctx, nil, func(tx *sql.Tx) error {
		if err := r.checkGrantRefs(ctx, tx, roleID, permissionID); err != nil {
			return err
		}
		var err error
		if granted {
			changed, err = r.insertGrant(ctx, tx, roleID, permissionID)
		} else {
			changed, err = deleteGrant(ctx, tx, roleID, permissionID)
		}
		return err
	})
	return changed, err
}

// ToggleRoleGrant flips grant presence.
func (r *Repository) ToggleRoleGrant(ctx context.Context, roleID, permissionID int64) (bool, error) {
	var granted bool
	err := r.withTx(ctx, nil, func(tx *sql.Tx) error {
		if err := r.checkGrantRefs(ctx, tx, roleID, permissionID); err != nil {
			return err
		}
		deleted, err := deleteGrant(ctx, tx, roleID, permissionID)
		if err != nil || deleted {
			return err
		}
		granted, err = r.insertGrant(ctx, tx, roleID, permissionID)
		return err
	})
	return granted, err
}

// ListRoleGrants returns the grants of the given roles, or of every role
// when roleIDs is empty.
func (r *Repository) ListRoleGrants(ctx context.Context, roleIDs []int64) ([]rbac.RoleGrant, error) {
	var c conditions
	if len(roleIDs) > 0 {
		c.in("role_id", roleIDs)
	}
	return queryGrants(ctx, r.db,
		`SELECT role_id, permission_id FROM role_permissions`+c.where()+` ORDER BY role_id, permission_id`, c.args...)
}

func queryGrants(ctx context.Context, q queryer, query string, args ...interface{}) ([]rbac.RoleGrant, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query role grants: %w", err)
	}
	defer rows.Close()

	var out []rbac.RoleGrant
	for rows.Next() {
		var g rbac.RoleGrant
		if err := rows.Scan(&g.RoleID, &g.PermissionID); err != nil {
			return nil, fmt.Errorf("failed to scan role grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListRoleHolders returns the users with an active-flagged assignment of
// roleID.
func (r *Repository) ListRoleHolders(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM user_role_assignments
		WHERE role_id = $1 AND is_active = $2
		ORDER BY user_id
	`, roleID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query role holders: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan role holder: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
