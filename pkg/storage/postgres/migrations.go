package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Migration is one versioned schema change. SQL may hold several statements
// and uses {{serial}}, {{timestamp}} and {{json}} for dialect specific types.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the accessgrid schema history in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create permissions and roles tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id {{serial}},
					resource_type VARCHAR(100) NOT NULL,
					action VARCHAR(100) NOT NULL,
					scope VARCHAR(20) NOT NULL DEFAULT 'global',
					description TEXT NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_system_permission BOOLEAN NOT NULL DEFAULT FALSE,
					conditions {{json}},
					created_at {{timestamp}} NOT NULL,
					UNIQUE (resource_type, action, scope)
				);

				CREATE TABLE IF NOT EXISTS roles (
					id {{serial}},
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					level INTEGER NOT NULL DEFAULT 0,
					parent_role_id BIGINT REFERENCES roles(id),
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_system_role BOOLEAN NOT NULL DEFAULT FALSE,
					created_at {{timestamp}} NOT NULL,
					updated_at {{timestamp}} NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_roles_parent_role_id ON roles(parent_role_id);
			`,
		},
		{
			Version:     2,
			Description: "Create role_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					created_at {{timestamp}} NOT NULL,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_permission_id ON role_permissions(permission_id);
			`,
		},
		{
			Version:     3,
			Description: "Create user_role_assignments and user_permission_overrides tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_role_assignments (
					id {{serial}},
					user_id VARCHAR(255) NOT NULL,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					scope_id VARCHAR(512) NOT NULL DEFAULT '',
					effective_from {{timestamp}},
					effective_until {{timestamp}},
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					granted_by VARCHAR(255) NOT NULL DEFAULT '',
					created_at {{timestamp}} NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_user_role_assignments_user_id ON user_role_assignments(user_id);
				CREATE INDEX IF NOT EXISTS idx_user_role_assignments_role_id ON user_role_assignments(role_id);
				CREATE UNIQUE INDEX IF NOT EXISTS uq_user_role_assignments_active
					ON user_role_assignments(user_id, role_id, scope_id) WHERE is_active;

				CREATE TABLE IF NOT EXISTS user_permission_overrides (
					id {{serial}},
					user_id VARCHAR(255) NOT NULL,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					is_granted BOOLEAN NOT NULL,
					scope_id VARCHAR(512) NOT NULL DEFAULT '',
					reason TEXT NOT NULL DEFAULT '',
					effective_from {{timestamp}},
					effective_until {{timestamp}},
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					granted_by VARCHAR(255) NOT NULL DEFAULT '',
					created_at {{timestamp}} NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_user_permission_overrides_user_id ON user_permission_overrides(user_id);
				CREATE UNIQUE INDEX IF NOT EXISTS uq_user_permission_overrides_active
					ON user_permission_overrides(user_id, permission_id, scope_id) WHERE is_active;
			`,
		},
		{
			Version:     4,
			Description: "Create permission_templates tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_templates (
					id {{serial}},
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					template_type VARCHAR(100) NOT NULL DEFAULT '',
					is_system_template BOOLEAN NOT NULL DEFAULT FALSE,
					usage_count BIGINT NOT NULL DEFAULT 0,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at {{timestamp}} NOT NULL,
					updated_at {{timestamp}} NOT NULL
				);

				CREATE TABLE IF NOT EXISTS permission_template_items (
					template_id BIGINT NOT NULL REFERENCES permission_templates(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					PRIMARY KEY (template_id, permission_id)
				);
			`,
		},
	}
}

// Migrate applies every migration newer than the recorded schema version,
// each in its own transaction, and returns the number applied.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, logger logrus.FieldLogger) (int, error) {
	_, err := db.ExecContext(ctx, dialect.ddl(`
		CREATE TABLE IF NOT EXISTS accessgrid_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at {{timestamp}} NOT NULL
		)
	`))
	if err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		logger.WithFields(logrus.Fields{
			"version":     m.Version,
			"description": m.Description,
		}).Info("applying migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return count, fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, dialect.ddl(m.SQL)); err != nil {
			_ = tx.Rollback()
			return count, fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accessgrid_migrations (version, description, applied_at) VALUES ($1, $2, $3)`,
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			_ = tx.Rollback()
			return count, fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return count, fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
		count++
	}
	return count, nil
}

// SchemaVersion returns the highest applied migration, or 0.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM accessgrid_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM accessgrid_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
