package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/accessgrid/pkg/rbac"
)

// Repository implements rbac.Repository on PostgreSQL or SQLite. Every
// mutation runs in one transaction; principal snapshots are read in a
// read-only repeatable-read transaction.
type Repository struct {
	db      *sql.DB
	dialect Dialect

	mu  sync.RWMutex
	now func() time.Time
}

var _ rbac.Repository = (*Repository)(nil)

// NewRepository wraps a migrated database.
func NewRepository(db *sql.DB, dialect Dialect) *Repository {
	return &Repository{db: db, dialect: dialect, now: time.Now}
}

// SetClock overrides the clock used for created and updated timestamps.
func (r *Repository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Repository) clock() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now().UTC()
}

// DB returns the underlying handle.
func (r *Repository) DB() *sql.DB {
	return r.db
}

// withTx runs fn in a transaction, committing on success.
func (r *Repository) withTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func notFound(kind string, id interface{}) error {
	return fmt.Errorf("%w: %s %v", rbac.ErrNotFound, kind, id)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullInt64Ptr(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func timeOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func exists(ctx context.Context, q queryer, query string, args ...interface{}) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const permissionColumns = `id, resource_type, action, scope, description, is_active, is_system_permission, conditions, created_at`

func scanPermission(s rowScanner) (rbac.Permission, error) {
	var (
		p          rbac.Permission
		scope      string
		conditions []byte
	)
	if err := s.Scan(&p.ID, &p.ResourceType, &p.Action, &scope, &p.Description,
		&p.IsActive, &p.IsSystemPermission, &conditions, &p.CreatedAt); err != nil {
		return p, err
	}
	level, err := rbac.ParseScopeLevel(scope)
	if err != nil {
		return p, fmt.Errorf("permission %d: %w", p.ID, err)
	}
	p.Scope = level
	if len(conditions) > 0 {
		p.Conditions = json.RawMessage(conditions)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func queryPermissions(ctx context.Context, q queryer, query string, args ...interface{}) ([]rbac.Permission, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var out []rbac.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const roleColumns = `id, name, description, level, parent_role_id, is_active, is_system_role, created_at, updated_at`

func scanRole(s rowScanner) (rbac.Role, error) {
	var (
		role   rbac.Role
		parent sql.NullInt64
	)
	if err := s.Scan(&role.ID, &role.Name, &role.Description, &role.Level, &parent,
		&role.IsActive, &role.IsSystemRole, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return role, err
	}
	if parent.Valid {
		id := parent.Int64
		role.ParentRoleID = &id
	}
	role.CreatedAt = role.CreatedAt.UTC()
	role.UpdatedAt = role.UpdatedAt.UTC()
	return role, nil
}

func queryRoles(ctx context.Context, q queryer, query string, args ...interface{}) ([]rbac.Role, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	defer rows.Close()

	var out []rbac.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// CreatePermission inserts p and assigns its ID.
func (r *Repository) CreatePermission(ctx context.Context, p *rbac.Permission) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.clock()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO permissions (resource_type, action, scope, description, is_active, is_system_permission, conditions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, p.ResourceType, p.Action, p.Scope.String(), p.Description, p.IsActive, p.IsSystemPermission,
		nullJSON(p.Conditions), p.CreatedAt.UTC()).Scan(&p.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: permission %s already exists", rbac.ErrConflict, p.Key())
	}
	if err != nil {
		return fmt.Errorf("failed to insert permission: %w", err)
	}
	return nil
}

// GetPermission returns the permission with id.
func (r *Repository) GetPermission(ctx context.Context, id int64) (*rbac.Permission, error) {
	p, err := scanPermission(r.db.QueryRowContext(ctx,
		`SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("permission", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return &p, nil
}

// ListPermissions returns matching permissions in catalog order.
func (r *Repository) ListPermissions(ctx context.Context, filter rbac.PermissionFilter) ([]rbac.Permission, error) {
	var c conditions
	if !filter.IncludeInactive {
		c.add("is_active = ?", true)
	}
	if len(filter.IDs) > 0 {
		c.in("id", filter.IDs)
	}
	if filter.ResourceType != "" {
		c.add("resource_type = ?", filter.ResourceType)
	}
	if filter.Action != "" {
		c.add("action = ?", filter.Action)
	}
	if filter.Scope != nil {
		c.add("scope = ?", filter.Scope.String())
	}

	perms, err := queryPermissions(ctx, r.db, `SELECT `+permissionColumns+` FROM permissions`+c.where(), c.args...)
	if err != nil {
		return nil, err
	}
	if perms == nil {
		perms = []rbac.Permission{}
	}
	rbac.SortPermissions(perms)
	return perms, nil
}

// SetPermissionActive flips the activation flag.
func (r *Repository) SetPermissionActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE permissions SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update permission: %w", err)
	}
	return requireAffected(res, notFound("permission", id))
}

// CreateRole inserts r and assigns its ID.
func (r *Repository) CreateRole(ctx context.Context, role *rbac.Role) error {
	now := r.clock()
	return r.withTx(ctx, nil, func(tx *sql.Tx) error {
		if role.ParentRoleID != nil {
			ok, err := exists(ctx, tx, `SELECT 1 FROM roles WHERE id = $1`, *role.ParentRoleID)
			if err != nil {
				return fmt.Errorf("failed to check parent role: %w", err)
			}
			if !ok {
				return notFound("role", *role.ParentRoleID)
			}
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO roles (name, description, level, parent_role_id, is_active, is_system_role, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, role.Name, role.Description, role.Level, nullInt64Ptr(role.ParentRoleID),
			role.IsActive, role.IsSystemRole, now, now).Scan(&role.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: role %q already exists", rbac.ErrConflict, role.Name)
		}
		if err != nil {
			return fmt.Errorf("failed to insert role: %w", err)
		}
		role.CreatedAt, role.UpdatedAt = now, now
		return nil
	})
}

// GetRole returns the role with id.
func (r *Repository) GetRole(ctx context.Context, id int64) (*rbac.Role, error) {
	role, err := scanRole(r.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("role", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return &role, nil
}

// GetRoleByName returns the role called name.
func (r *Repository) GetRoleByName(ctx context.Context, name string) (*rbac.Role, error) {
	role, err := scanRole(r.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("role", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return &role, nil
}

// ListRoles returns matching roles, highest level first.
func (r *Repository) ListRoles(ctx context.Context, filter rbac.RoleFilter) ([]rbac.Role, error) {
	var c conditions
	if !filter.IncludeInactive {
		c.add("is_active = ?", true)
	}
	if len(filter.IDs) > 0 {
		c.in("id", filter.IDs)
	}
	if filter.MinLevel != nil {
		c.add("level >= ?", *filter.MinLevel)
	}

	roles, err := queryRoles(ctx, r.db, `SELECT `+roleColumns+` FROM roles`+c.where(), c.args...)
	if err != nil {
		return nil, err
	}
	// Name matching is case-insensitive substring; done here so both
	// dialects agree on collation.
	out := make([]rbac.Role, 0, len(roles))
	for _, role := range roles {
		if filter.Matches(role) {
			out = append(out, role)
		}
	}
	rbac.SortRoles(out)
	return out, nil
}

// UpdateRole replaces the mutable attributes of role.
func (r *Repository) UpdateRole(ctx context.Context, role *rbac.Role) error {
	now := r.clock()
	return r.withTx(ctx, nil, func(tx *sql.Tx) error {
		existing, err := scanRole(tx.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, role.ID))
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("role", role.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to get role: %w", err)
		}
		if role.ParentRoleID != nil {
			ok, err := exists(ctx, tx, `SELECT 1 FROM roles WHERE id = $1`, *role.ParentRoleID)
			if err != nil {
				return fmt.Errorf("failed to check parent role: %w", err)
			}
			if !ok {
				return notFound("role", *role.ParentRoleID)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE roles
			SET description = $1, level = $2, parent_role_id = $3, is_active = $4, is_system_role = $5, updated_at = $6
			WHERE id = $7
		`, role.Description, role.Level, nullInt64Ptr(role.ParentRoleID), role.IsActive, role.IsSystemRole, now, role.ID); err != nil {
			return fmt.Errorf("failed to update role: %w", err)
		}
		role.Name = existing.Name
		role.CreatedAt = existing.CreatedAt
		role.UpdatedAt = now
		return nil
	})
}

// DeleteRole removes the role and its grants. Inactive assignment history
// of the role goes with it.
func (r *Repository) DeleteRole(ctx context.Context, id int64, now time.Time) error {
	return r.withTx(ctx, nil, func(tx *sql.Tx) error {
		ok, err := exists(ctx, tx, `SELECT 1 FROM roles WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to check role: %w", err)
		}
		if !ok {
			return notFound("role", id)
		}

		active, err := queryAssignments(ctx, tx,
			`SELECT `+assignmentColumns+` FROM user_role_assignments WHERE role_id = $1 AND is_active = $2`, id, true)
		if err != nil {
			return err
		}
		for _, a := range active {
			if !a.ExpiredAt(now) {
				return fmt.Errorf("%w: role %d has active user assignments", rbac.ErrConflict, id)
			}
		}

		var child string
		err = tx.QueryRowContext(ctx, `SELECT name FROM roles WHERE parent_role_id = $1 ORDER BY id LIMIT 1`, id).Scan(&child)
		if err == nil {
			return fmt.Errorf("%w: role %d is the parent of role %q", rbac.ErrConflict, id, child)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check child roles: %w", err)
		}

		for _, stmt := range []string{
			`DELETE FROM role_permissions WHERE role_id = $1`,
			`DELETE FROM user_role_assignments WHERE role_id = $1`,
			`DELETE FROM roles WHERE id = $1`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("failed to delete role: %w", err)
			}
		}
		return nil
	})
}

func requireAffected(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}
