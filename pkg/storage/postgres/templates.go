package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/accessgrid/pkg/rbac"
)

const templateColumns = `id, name, description, template_type, is_system_template, usage_count, is_active, created_at, updated_at`

func scanTemplate(s rowScanner) (rbac.PermissionTemplate, error) {
	var t rbac.PermissionTemplate
	if err := s.Scan(&t.ID, &t.Name, &t.Description, &t.TemplateType, &t.IsSystemTemplate,
		&t.UsageCount, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	t.PermissionIDs = []int64{}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

// loadItems fills PermissionIDs for the given templates.
func loadItems(ctx context.Context, q queryer, templates []rbac.PermissionTemplate) error {
	if len(templates) == 0 {
		return nil
	}
	ids := make([]int64, len(templates))
	index := make(map[int64]int, len(templates))
	for i, t := range templates {
		ids[i] = t.ID
		index[t.ID] = i
	}

	var c conditions
	c.in("template_id", ids)
	rows, err := q.QueryContext(ctx,
		`SELECT template_id, permission_id FROM permission_template_items`+c.where()+` ORDER BY template_id, permission_id`,
		c.args...)
	if err != nil {
		return fmt.Errorf("failed to query template items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var templateID, permissionID int64
		if err := rows.Scan(&templateID, &permissionID); err != nil {
			return fmt.Errorf("failed to scan template item: %w", err)
		}
		i := index[templateID]
		templates[i].PermissionIDs = append(templates[i].PermissionIDs, permissionID)
	}
	return rows.Err()
}

func insertItems(ctx context.Context, tx *sql.Tx, templateID int64, permissionIDs []int64) error {
	for _, id := range permissionIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO permission_template_items (template_id, permission_id) VALUES ($1, $2)`,
			templateID, id); err != nil {
			return fmt.Errorf("failed to insert template item: %w", err)
		}
	}
	return nil
}

// CreateTemplate inserts t and assigns its ID.
func (r *Repository) CreateTemplate(ctx context.Context, t *rbac.PermissionTemplate) error {
	now := r.clock()
	ids := rbac.UniqueSorted(t.PermissionIDs)
	return r.withTx(ctx, nil, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO permission_templates (name, description, template_type, is_system_template, usage_count, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, t.Name, t.Description, t.TemplateType, t.IsSystemTemplate, t.UsageCount, t.IsActive, now, now).Scan(&t.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: template %q already exists", rbac.ErrConflict, t.Name)
		}
		if err != nil {
			return fmt.Errorf("failed to insert template: %w", err)
		}
		if err := insertItems(ctx, tx, t.ID, ids); err != nil {
			return err
		}
		t.PermissionIDs = ids
		t.CreatedAt, t.UpdatedAt = now, now
		return nil
	})
}

// GetTemplate returns the template with id.
func (r *Repository) GetTemplate(ctx context.Context, id int64) (*rbac.PermissionTemplate, error) {
	var t rbac.PermissionTemplate
	err := r.withTx(ctx, &sql.TxOptions{ReadOnly: true}, func(tx *sql.Tx) error {
		var err error
		t, err = scanTemplate(tx.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM permission_templates WHERE id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("template", id)
		}
		if err != nil {
			return fmt.Errorf("failed to get template: %w", err)
		}
		list := []rbac.PermissionTemplate{t}
		if err := loadItems(ctx, tx, list); err != nil {
			return err
		}
		t = list[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTemplates returns matching templates ordered by name.
func (r *Repository) ListTemplates(ctx context.Context, filter rbac.TemplateFilter) ([]rbac.PermissionTemplate, error) {
	var c conditions
	if !filter.IncludeInactive {
		c.add("is_active = ?", true)
	}
	if filter.TemplateType != "" {
		c.add("template_type = ?", filter.TemplateType)
	}

	var out []rbac.PermissionTemplate
	err := r.withTx(ctx, &sql.TxOptions{ReadOnly: true}, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+templateColumns+` FROM permission_templates`+c.where()+` ORDER BY name`, c.args...)
		if err != nil {
			return fmt.Errorf("failed to query templates: %w", err)
		}
		for rows.Next() {
			t, err := scanTemplate(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan template: %w", err)
			}
			out = append(out, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		return loadItems(ctx, tx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTemplate replaces the editable attributes and the permission set.
func (r *Repository) UpdateTemplate(ctx context.Context, t *rbac.PermissionTemplate) error {
	now := r.clock()
	ids := rbac.UniqueSorted(t.PermissionIDs)
	return r.withTx(ctx, nil, func(tx *sql.Tx) error {
		existing, err := scanTemplate(tx.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM permission_templates WHERE id = $1`, t.ID))
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("template", t.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to get template: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE permission_templates
			SET name = $1, description = $2, template_type = $3, is_system_template = $4, is_active = $5, updated_at = $6
			WHERE id = $7
		`, t.Name, t.Description, t.TemplateType, t.IsSystemTemplate, t.IsActive, now, t.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: template %q already exists", rbac.ErrConflict, t.Name)
		}
		if err != nil {
			return fmt.Errorf("failed to update template: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM permission_template_items WHERE template_id = $1`, t.ID); err != nil {
			return fmt.Errorf("failed to clear template items: %w", err)
		}
		if err := insertItems(ctx, tx, t.ID, ids); err != nil {
			return err
		}
		t.PermissionIDs = ids
		t.CreatedAt = existing.CreatedAt
		t.UsageCount = existing.UsageCount
		t.UpdatedAt = now
		return nil
	})
}

// DeleteTemplate removes a template and its items.
func (r *Repository) DeleteTemplate(ctx context.Context, id int64) error {
	return r.withTx(ctx, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM permission_template_items WHERE template_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete template items: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM permission_templates WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete template: %w", err)
		}
		return requireAffected(res, notFound("template", id))
	})
}

// IncrementTemplateUsage adds one to the usage count in a single statement.
func (r *Repository) IncrementTemplateUsage(ctx context.Context, id int64) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE permission_templates SET usage_count = usage_count + 1 WHERE id = $1 RETURNING usage_count`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound("template", id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment template usage: %w", err)
	}
	return count, nil
}
