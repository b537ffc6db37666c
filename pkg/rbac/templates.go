package rbac

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/platinummonkey/accessgrid/pkg/audit"
	"github.com/sirupsen/logrus"
)

// GeneratedTemplate is a candidate permission set derived from roles.
type GeneratedTemplate struct {
	PermissionIDs []int64 `json:"permission_ids"`
	EstimatedSize int     `json:"estimated_size"`
	SourceRoles   []int64 `json:"source_roles"`
}

// ApplyItemResult reports the outcome for one permission of a template.
type ApplyItemResult struct {
	PermissionID int64  `json:"permission_id"`
	Applied      bool   `json:"applied"`
	Error        string `json:"error,omitempty"`
	Err          error  `json:"-"`
}

// ApplyResult reports a template application. Items are independent; a
// partial application is a normal outcome.
type ApplyResult struct {
	BatchID    uuid.UUID         `json:"batch_id"`
	TemplateID int64             `json:"template_id"`
	TargetType TargetType        `json:"target_type"`
	TargetID   string            `json:"target_id"`
	Items      []ApplyItemResult `json:"items"`
	Applied    int               `json:"applied"`
	Failed     int               `json:"failed"`
	UsageCount int64             `json:"usage_count"`
}

// TemplateComparison is the set difference of two templates.
type TemplateComparison struct {
	Common  []int64 `json:"common"`
	OnlyInA []int64 `json:"only_in_a"`
	OnlyInB []int64 `json:"only_in_b"`
}

// Composer builds, stores and applies permission templates.
type Composer struct {
	env         *env
	assignments *AssignmentStore
}

// GenerateFromRoles unions the direct grants of roleIDs. Inactive roles are
// skipped unless includeInactive is set. Unknown roles fail with ErrNotFound.
func (c *Composer) GenerateFromRoles(ctx context.Context, roleIDs []int64, includeInactive bool) (*GeneratedTemplate, error) {
	var sources []int64
	for _, id := range UniqueSorted(roleIDs) {
		role, err := c.env.repo.GetRole(ctx, id)
		if err != nil {
			return nil, err
		}
		if !role.IsActive && !includeInactive {
			continue
		}
		sources = append(sources, id)
	}

	out := &GeneratedTemplate{PermissionIDs: []int64{}, SourceRoles: sources}
	if len(sources) == 0 {
		return out, nil
	}
	grants, err := c.env.repo.ListRoleGrants(ctx, sources)
	if err != nil {
		return nil, fmt.Errorf("listing role grants: %w", err)
	}
	ids := make([]int64, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.PermissionID)
	}
	out.PermissionIDs = UniqueSorted(ids)
	out.EstimatedSize = len(out.PermissionIDs)
	return out, nil
}

// checkPermissionIDs rejects ids missing from the catalog.
func (c *Composer) checkPermissionIDs(ctx context.Context, ids []int64) error {
	ids = UniqueSorted(ids)
	if len(ids) == 0 {
		return nil
	}
	found, err := c.env.repo.ListPermissions(ctx, PermissionFilter{IDs: ids, IncludeInactive: true})
	if err != nil {
		return fmt.Errorf("listing permissions: %w", err)
	}
	if len(found) == len(ids) {
		return nil
	}
	known := make(map[int64]bool, len(found))
	for _, p := range found {
		known[p.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			return invalid("permission_ids", "unknown permission %d", id)
		}
	}
	return nil
}

// CreateTemplate stores a new template.
func (c *Composer) CreateTemplate(ctx context.Context, req CreateTemplateRequest) (*PermissionTemplate, error) {
	ev := audit.NewEvent(audit.EventTypeTemplateCreate, audit.EventStatusSuccess)
	if err := req.normalize(); err != nil {
		return nil, c.env.record(ctx, "create_template", ev, err)
	}
	ev.Message = req.Name
	if err := c.checkPermissionIDs(ctx, req.PermissionIDs); err != nil {
		return nil, c.env.record(ctx, "create_template", ev, err)
	}

	t := &PermissionTemplate{
		Name:             req.Name,
		Description:      req.Description,
		TemplateType:     req.TemplateType,
		IsSystemTemplate: req.IsSystemTemplate,
		PermissionIDs:    UniqueSorted(req.PermissionIDs),
		IsActive:         true,
	}
	if err := c.env.repo.CreateTemplate(ctx, t); err != nil {
		return nil, c.env.record(ctx, "create_template", ev, err)
	}
	ev.TemplateID = t.ID
	ev.WithMetadata("permissions", len(t.PermissionIDs))
	return t, c.env.record(ctx, "create_template", ev, nil)
}

// UpdateTemplate replaces the editable attributes of a template. System
// templates are immutable.
func (c *Composer) UpdateTemplate(ctx context.Context, id int64, upd TemplateUpdate) (*PermissionTemplate, error) {
	ev := audit.NewEvent(audit.EventTypeTemplateUpdate, audit.EventStatusSuccess)
	ev.TemplateID = id

	existing, err := c.env.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, c.env.record(ctx, "update_template", ev, err)
	}
	ev.Message = existing.Name
	if existing.IsSystemTemplate {
		return nil, c.env.record(ctx, "update_template", ev,
			fmt.Errorf("%w: template %q is a system template", ErrImmutable, existing.Name))
	}
	if err := upd.normalize(); err != nil {
		return nil, c.env.record(ctx, "update_template", ev, err)
	}
	if err := c.checkPermissionIDs(ctx, upd.PermissionIDs); err != nil {
		return nil, c.env.record(ctx, "update_template", ev, err)
	}

	updated := *existing
	updated.Name = upd.Name
	updated.Description = upd.Description
	updated.TemplateType = upd.TemplateType
	updated.PermissionIDs = UniqueSorted(upd.PermissionIDs)
	updated.IsActive = upd.IsActive
	if err := c.env.repo.UpdateTemplate(ctx, &updated); err != nil {
		return nil, c.env.record(ctx, "update_template", ev, err)
	}
	return &updated, c.env.record(ctx, "update_template", ev, nil)
}

// DeleteTemplate removes a template. Targets it was applied to keep their
// grants. System templates are immutable.
func (c *Composer) DeleteTemplate(ctx context.Context, id int64) error {
	ev := audit.NewEvent(audit.EventTypeTemplateDelete, audit.EventStatusSuccess)
	ev.TemplateID = id

	existing, err := c.env.repo.GetTemplate(ctx, id)
	if err != nil {
		return c.env.record(ctx, "delete_template", ev, err)
	}
	ev.Message = existing.Name
	if existing.IsSystemTemplate {
		return c.env.record(ctx, "delete_template", ev,
			fmt.Errorf("%w: template %q is a system template", ErrImmutable, existing.Name))
	}
	if err := c.env.repo.DeleteTemplate(ctx, id); err != nil {
		return c.env.record(ctx, "delete_template", ev, err)
	}
	return c.env.record(ctx, "delete_template", ev, nil)
}

// GetTemplate returns a template.
func (c *Composer) GetTemplate(ctx context.Context, id int64) (*PermissionTemplate, error) {
	return c.env.repo.GetTemplate(ctx, id)
}

// ListTemplates returns templates matching filter ordered by name.
func (c *Composer) ListTemplates(ctx context.Context, filter TemplateFilter) ([]PermissionTemplate, error) {
	return c.env.repo.ListTemplates(ctx, filter)
}

// ApplyTemplate copies the template's current permissions onto a role (as
// role grants) or a user (as grant overrides in req.Scope). Each permission is
// an independent call; failures are reported per item and do not stop the
// batch. Once ctx is done no further calls are issued and the remaining items
// carry the context error. The usage count is incremented once if at least
// one item applied.
func (c *Composer) ApplyTemplate(ctx context.Context, req ApplyTemplateRequest) (*ApplyResult, error) {
	ev := audit.NewEvent(audit.EventTypeTemplateApply, audit.EventStatusSuccess)
	ev.TemplateID = req.TemplateID
	if err := req.normalize(); err != nil {
		return nil, c.env.record(ctx, "apply_template", ev, err)
	}

	t, err := c.env.repo.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, c.env.record(ctx, "apply_template", ev, err)
	}
	ev.Message = t.Name
	if !t.IsActive {
		return nil, c.env.record(ctx, "apply_template", ev, invalid("template_id", "template %q is inactive", t.Name))
	}

	var apply func(permissionID int64) error
	switch req.TargetType {
	case TargetRole:
		roleID, err := strconv.ParseInt(req.TargetID, 10, 64)
		if err != nil {
			return nil, c.env.record(ctx, "apply_template", ev, invalid("target_id", "role target must be a numeric id"))
		}
		ev.RoleID = roleID
		apply = func(permissionID int64) error {
			return c.assignments.GrantRolePermission(ctx, roleID, permissionID)
		}
	case TargetUser:
		ev.UserID, ev.Scope = req.TargetID, string(req.Scope)
		apply = func(permissionID int64) error {
			_, err := c.assignments.SetUserPermissionOverride(ctx, OverrideRequest{
				UserID:       req.TargetID,
				PermissionID: permissionID,
				IsGranted:    true,
				Scope:        req.Scope,
				Reason:       fmt.Sprintf("applied from template %q", t.Name),
			})
			return err
		}
	}

	result := &ApplyResult{
		BatchID:    uuid.New(),
		TemplateID: t.ID,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Items:      make([]ApplyItemResult, 0, len(t.PermissionIDs)),
	}
	for _, permissionID := range t.PermissionIDs {
		item := ApplyItemResult{PermissionID: permissionID}
		if item.Err = ctx.Err(); item.Err == nil {
			item.Err = apply(permissionID)
		}
		if item.Err != nil {
			item.Error = item.Err.Error()
			result.Failed++
			c.env.metrics.RecordTemplateItem(string(req.TargetType), Category(item.Err))
		} else {
			item.Applied = true
			result.Applied++
			c.env.metrics.RecordTemplateItem(string(req.TargetType), "ok")
		}
		result.Items = append(result.Items, item)
	}

	result.UsageCount = t.UsageCount
	if result.Applied > 0 {
		// The caller may have given up; the count still reflects what was applied.
		count, err := c.env.repo.IncrementTemplateUsage(context.WithoutCancel(ctx), t.ID)
		if err != nil {
			c.env.log(ctx).WithError(err).WithField("template_id", t.ID).Warn("failed to increment template usage")
		} else {
			result.UsageCount = count
		}
	}

	ev.WithMetadata("batch_id", result.BatchID.String())
	ev.WithMetadata("applied", result.Applied)
	ev.WithMetadata("failed", result.Failed)
	switch {
	case result.Failed > 0 && result.Applied > 0:
		ev.Outcome = audit.EventStatusPartial
	case result.Failed > 0:
		ev.Outcome = audit.EventStatusFailure
	}
	ev.Actor = audit.ActorFromContext(ctx)
	if err := c.env.audit.Log(ctx, ev); err != nil {
		c.env.log(ctx).WithError(err).Warn("failed to write audit event")
	}
	c.env.log(ctx).WithFields(logrus.Fields{
		"template_id": t.ID,
		"target_type": string(req.TargetType),
		"target_id":   req.TargetID,
		"applied":     result.Applied,
		"failed":      result.Failed,
		"batch_id":    result.BatchID.String(),
	}).Info("applied permission template")
	return result, nil
}

// CompareTemplates returns the set difference of the permission ids of a and b.
func (c *Composer) CompareTemplates(ctx context.Context, a, b int64) (*TemplateComparison, error) {
	ta, err := c.env.repo.GetTemplate(ctx, a)
	if err != nil {
		return nil, err
	}
	tb, err := c.env.repo.GetTemplate(ctx, b)
	if err != nil {
		return nil, err
	}
	return CompareIDs(ta.PermissionIDs, tb.PermissionIDs), nil
}

// CompareIDs computes common and exclusive ids of two sets. Every slice of
// the result is sorted and non-nil.
func CompareIDs(a, b []int64) *TemplateComparison {
	inA := make(map[int64]bool, len(a))
	for _, id := range a {
		inA[id] = true
	}
	inB := make(map[int64]bool, len(b))
	for _, id := range b {
		inB[id] = true
	}

	cmp := &TemplateComparison{Common: []int64{}, OnlyInA: []int64{}, OnlyInB: []int64{}}
	for id := range inA {
		if inB[id] {
			cmp.Common = append(cmp.Common, id)
		} else {
			cmp.OnlyInA = append(cmp.OnlyInA, id)
		}
	}
	for id := range inB {
		if !inA[id] {
			cmp.OnlyInB = append(cmp.OnlyInB, id)
		}
	}
	for _, ids := range [][]int64{cmp.Common, cmp.OnlyInA, cmp.OnlyInB} {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return cmp
}
