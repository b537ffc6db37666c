package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/accessgrid/pkg/rbac"
)

const assignmentColumns = `id, user_id, role_id, scope_id, effective_from, effective_until, is_active, granted_by, created_at`

func scanAssignment(s rowScanner) (rbac.UserRoleAssignment, error) {
	var (
		a           rbac.UserRoleAssignment
		scope       string
		from, until sql.NullTime
	)
	if err := s.Scan(&a.ID, &a.UserID, &a.RoleID, &scope, &from, &until, &a.IsActive, &a.GrantedBy, &a.CreatedAt); err != nil {
		return a, err
	}
	a.Scope = rbac.Scope(scope)
	a.EffectiveFrom = timeOrZero(from)
	a.EffectiveUntil = timePtr(until)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func queryAssignments(ctx context.Context, q queryer, query string, args ...interface{}) ([]rbac.UserRoleAssignment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var out []rbac.UserRoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const overrideColumns = `id, user_id, permission_id, is_granted, scope_id, reason, effective_from, effective_until, is_active, granted_by, created_at`

func scanOverride(s rowScanner) (rbac.UserPermissionOverride, error) {
	var (
		o           rbac.UserPermissionOverride
		scope       string
		from, until sql.NullTime
	)
	if err := s.Scan(&o.ID, &o.UserID, &o.PermissionID, &o.IsGranted, &scope, &o.Reason,
		&from, &until, &o.IsActive, &o.GrantedBy, &o.CreatedAt); err != nil {
		return o, err
	}
	o.Scope = rbac.Scope(scope)
	o.EffectiveFrom = timeOrZero(from)
	o.EffectiveUntil = timePtr(until)
	o.CreatedAt = o.CreatedAt.UTC()
	return o, nil
}

func queryOverrides(ctx context.Context, q queryer, query string, args ...interface{}) ([]rbac.UserPermissionOverride, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	var out []rbac.UserPermissionOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func deactivate(ctx context.Context, tx *sql.Tx, table string, id int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET is_active = $1 WHERE id = $2`, false, id); err != nil {
		return fmt.Errorf("failed to deactivate %s row %d: %w", table, id, err)
	}
	return nil
}

// InsertAssignment stores a new active assignment after retiring expired
// rows for the same (user, role, scope).
func (r *Repository) InsertAssignment(ctx context.Context, a *rbac.UserRoleAssignment, now time.Time) error {
	return r.withTx(ctx, nil, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, `SELECT 1 FROM roles WHERE id = $1`, a.RoleID)
		if err != nil {
			return fmt.Errorf("failed to check role: %w", err)
		}
		if !ok {
			return notFound("role", a.RoleID)
		}

		current, err := queryAssignments(ctx, tx, `
			SELECT `+assignmentColumns+` FROM user_role_assignments
			WHERE user_id = $1 AND role_id = $2 AND scope_id = $3 AND is_active = $4
		`, a.UserID, a.RoleID, string(a.Scope), true)
		if err != nil {
			return err
		}
		for _, existing := range current {
			if !existing.ExpiredAt(now) {
				return fmt.Errorf("%w: user %s already holds role %d at scope %s", rbac.ErrConflict, a.UserID, a.RoleID, a.Scope)
			}
			if err := deactivate(ctx, tx, "user_role_assignments", existing.ID); err != nil {
				return err
			}
		}

		createdAt := now.UTC()
		err = tx.QueryRowContext(ctx, `
			INSERT INTO user_role_assignments (user_id, role_id, scope_id, effective_from, effective_until, is_active, granted_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, a.UserID, a.RoleID, string(a.Scope), nullTime(a.EffectiveFrom), nullTimePtr(a.EffectiveUntil),
			true, a.GrantedBy, createdAt).Scan(&a.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s already holds role %d at scope %s", rbac.ErrConflict, a.UserID, a.RoleID, a.Scope)
		}
		if err != nil {
			return fmt.Errorf("failed to insert assignment: %w", err)
		}
		a.IsActive = true
		a.CreatedAt = createdAt
		return nil
	})
}

// DeactivateAssignment ends the active assignment matching the tuple.
func (r *Repository) DeactivateAssignment(ctx context.Context, userID string, roleID int64, scope rbac.Scope, now time.Time) (*rbac.UserRoleAssignment, error) {
	var out *rbac.UserRoleAssignment
	err := r.withTx(ctx, nil, func(tx *sql.Tx) error {
		current, err := queryAssignments(ctx, tx, `
			SELECT `+assignmentColumns+` FROM user_role_assignments
			WHERE user_id = $1 AND role_id = $2 AND scope_id = $3 AND is_active = $4
			ORDER BY id
		`, userID, roleID, string(scope), true)
		if err != nil {
			return err
		}
		for _, a := range current {
			if a.ExpiredAt(now) {
				continue
			}
			if err := deactivate(ctx, tx, "user_role_assignments", a.ID); err != nil {
				return err
			}
			a.IsActive = false
			out = &a
			return nil
		}
		return fmt.Errorf("%w: no active assignment of role %d to user %s at scope %s", rbac.ErrNotFound, roleID, userID, scope)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListAssignments returns every assignment row for the user, oldest first.
func (r *Repository) ListAssignments(ctx context.Context, userID string) ([]rbac.UserRoleAssignment, error) {
	return queryAssignments(ctx, r.db,
		`SELECT `+assignmentColumns+` FROM user_role_assignments WHERE user_id = $1 ORDER BY id`, userID)
}

// InsertOverride stores a new active override after retiring expired rows
// for the same (user, permission, scope).
func (r *Repository) InsertOverride(ctx context.Context, o *rbac.UserPermissionOverride, now time.Time) error {
	return r.withTx(ctx, nil, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, `SELECT 1 FROM permissions WHERE id = $1`, o.PermissionID)
		if err != nil {
			return fmt.Errorf("failed to check permission: %w", err)
		}
		if !ok {
			return notFound("permission", o.PermissionID)
		}

		current, err := queryOverrides(ctx, tx, `
			SELECT `+overrideColumns+` FROM user_permission_overrides
			WHERE user_id = $1 AND permission_id = $2 AND scope_id = $3 AND is_active = $4
		`, o.UserID, o.PermissionID, string(o.Scope), true)
		if err != nil {
			return err
		}
		for _, existing := range current {
			if !existing.ExpiredAt(now) {
				return fmt.Errorf("%w: user %s already has an override for permission %d at scope %s", rbac.ErrConflict, o.UserID, o.PermissionID, o.Scope)
			}
			if err := deactivate(ctx, tx, "user_permission_overrides", existing.ID); err != nil {
				return err
			}
		}

		createdAt := now.UTC()
		err = tx.QueryRowContext(ctx, `
			INSERT INTO user_permission_overrides (user_id, permission_id, is_granted, scope_id, reason, effective_from, effective_until, is_active, granted_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`, o.UserID, o.PermissionID, o.IsGranted, string(o.Scope), o.Reason, nullTime(o.EffectiveFrom),
			nullTimePtr(o.EffectiveUntil), true, o.GrantedBy, createdAt).Scan(&o.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s already has an override for permission %d at scope %s", rbac.ErrConflict, o.UserID, o.PermissionID, o.Scope)
		}
		if err != nil {
			return fmt.Errorf("failed to insert override: %w", err)
		}
		o.IsActive = true
		o.CreatedAt = createdAt
		return nil
	})
}

// DeactivateOverride clears the active override matching the tuple.
func (r *Repository) DeactivateOverride(ctx context.Context, userID string, permissionID int64, scope rbac.Scope, now time.Time) (*rbac.UserPermissionOverride, error) {
	var out *rbac.UserPermissionOverride
	err := r.withTx(ctx, nil, func(tx *sql.Tx) error {
		current, err := queryOverrides(ctx, tx, `
			SELECT `+overrideColumns+` FROM user_permission_overrides
			WHERE user_id = $1 AND permission_id = $2 AND scope_id = $3 AND is_active = $4
			ORDER BY id
		`, userID, permissionID, string(scope), true)
		if err != nil {
			return err
		}
		for _, o := range current {
			if o.ExpiredAt(now) {
				continue
			}
			if err := deactivate(ctx, tx, "user_permission_overrides", o.ID); err != nil {
				return err
			}
			o.IsActive = false
			out = &o
			return nil
		}
		return fmt.Errorf("%w: no active override of permission %d for user %s at scope %s", rbac.ErrNotFound, permissionID, userID, scope)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListOverrides returns every override row for the user, oldest first.
func (r *Repository) ListOverrides(ctx context.Context, userID string) ([]rbac.UserPermissionOverride, error) {
	return queryOverrides(ctx, r.db,
		`SELECT `+overrideColumns+` FROM user_permission_overrides WHERE user_id = $1 ORDER BY id`, userID)
}

// DeactivateExpired flags rows whose upper bound has passed. Bounds are
// compared in Go so both dialects agree on timestamp semantics.
func (r *Repository) DeactivateExpired(ctx context.Context, now time.Time) ([]rbac.UserRoleAssignment, []rbac.UserPermissionOverride, error) {
	var (
		assignments []rbac.UserRoleAssignment
		overrides   []rbac.UserPermissionOverride
	)
	err := r.withTx(ctx, nil, func(tx *sql.Tx) error {
		candidates, err := queryAssignments(ctx, tx, `
			SELECT `+assignmentColumns+` FROM user_role_assignments
			WHERE is_active = $1 AND effective_until IS NOT NULL
			ORDER BY id
		`, true)
		if err != nil {
			return err
		}
		for _, a := range candidates {
			if !a.ExpiredAt(now) {
				continue
			}
			if err := deactivate(ctx, tx, "user_role_assignments", a.ID); err != nil {
				return err
			}
			a.IsActive = false
			assignments = append(assignments, a)
		}

		candidateOverrides, err := queryOverrides(ctx, tx, `
			SELECT `+overrideColumns+` FROM user_permission_overrides
			WHERE is_active = $1 AND effective_until IS NOT NULL
			ORDER BY id
		`, true)
		if err != nil {
			return err
		}
		for _, o := range candidateOverrides {
			if !o.ExpiredAt(now) {
				continue
			}
			if err := deactivate(ctx, tx, "user_permission_overrides", o.ID); err != nil {
				return err
			}
			o.IsActive = false
			overrides = append(overrides, o)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return assignments, overrides, nil
}
