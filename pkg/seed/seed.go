package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/platinummonkey/accessgrid/pkg/rbac"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Catalog is the YAML seed document.
type Catalog struct {
	Permissions []PermissionSpec `yaml:"permissions"`
	Roles       []RoleSpec       `yaml:"roles"`
	Templates   []TemplateSpec   `yaml:"templates"`
}

// PermissionSpec declares one permission.
type PermissionSpec struct {
	ResourceType string                 `yaml:"resource_type"`
	Action       string                 `yaml:"action"`
	Scope        string                 `yaml:"scope"`
	Description  string                 `yaml:"description"`
	System       bool                   `yaml:"system"`
	Conditions   map[string]interface{} `yaml:"conditions"`
}

// Key returns the resource:action:scope key of the permission.
func (p PermissionSpec) Key() (string, error) {
	level, err := rbac.ParseScopeLevel(p.Scope)
	if err != nil {
		return "", err
	}
	return rbac.PermissionKey(p.ResourceType, p.Action, level), nil
}

// RoleSpec declares one role and the permission keys it grants.
type RoleSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Level       int      `yaml:"level"`
	Parent      string   `yaml:"parent"`
	System      bool     `yaml:"system"`
	Permissions []string `yaml:"permissions"`
}

// TemplateSpec declares one template by permission keys.
type TemplateSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Type        string   `yaml:"type"`
	System      bool     `yaml:"system"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks references inside the document: every granted or
// templated key is declared, role parents exist and names are unique.
// Granted and templated keys are rewritten in canonical form.
func (c *Catalog) Validate() error {
	keys := make(map[string]bool, len(c.Permissions))
	for i, p := range c.Permissions {
		key, err := p.Key()
		if err != nil {
			return fmt.Errorf("permissions[%d]: %w", i, err)
		}
		if p.ResourceType == "" || p.Action == "" {
			return fmt.Errorf("permissions[%d]: resource_type and action are required", i)
		}
		if keys[key] {
			return fmt.Errorf("permissions[%d]: duplicate permission %s", i, key)
		}
		keys[key] = true
	}

	roles := make(map[string]bool, len(c.Roles))
	for i, r := range c.Roles {
		if r.Name == "" {
			return fmt.Errorf("roles[%d]: name is required", i)
		}
		if roles[r.Name] {
			return fmt.Errorf("roles[%d]: duplicate role %q", i, r.Name)
		}
		roles[r.Name] = true
		if err := canonicalKeys(r.Permissions); err != nil {
			return fmt.Errorf("role %q: %w", r.Name, err)
		}
		for _, k := range r.Permissions {
			if !keys[k] {
				return fmt.Errorf("role %q grants undeclared permission %s", r.Name, k)
			}
		}
	}
	for _, r := range c.Roles {
		if r.Parent != "" && !roles[r.Parent] {
			return fmt.Errorf("role %q has undeclared parent %q", r.Name, r.Parent)
		}
	}
	if _, err := c.roleOrder(); err != nil {
		return err
	}

	templates := make(map[string]bool, len(c.Templates))
	for i, t := range c.Templates {
		if t.Name == "" || t.Description == "" {
			return fmt.Errorf("templates[%d]: name and description are required", i)
		}
		if templates[t.Name] {
			return fmt.Errorf("templates[%d]: duplicate template %q", i, t.Name)
		}
		templates[t.Name] = true
		if err := canonicalKeys(t.Permissions); err != nil {
			return fmt.Errorf("template %q: %w", t.Name, err)
		}
		for _, k := range t.Permissions {
			if !keys[k] {
				return fmt.Errorf("template %q lists undeclared permission %s", t.Name, k)
			}
		}
	}
	return nil
}

func canonicalKeys(keys []string) error {
	for i, k := range keys {
		canonical, err := rbac.ParsePermissionKey(k)
		if err != nil {
			return err
		}
		keys[i] = canonical
	}
	return nil
}

// roleOrder returns the roles with every parent ahead of its children.
func (c *Catalog) roleOrder() ([]RoleSpec, error) {
	byName := make(map[string]RoleSpec, len(c.Roles))
	for _, r := range c.Roles {
		byName[r.Name] = r
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(c.Roles))
	out := make([]RoleSpec, 0, len(c.Roles))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("role hierarchy cycle: %s", strings.Join(append(path, name), " -> "))
		}
		state[name] = visiting
		r := byName[name]
		if r.Parent != "" {
			if err := visit(r.Parent, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		out = append(out, r)
		return nil
	}
	for _, r := range c.Roles {
		if err := visit(r.Name, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Result counts what Apply created or changed.
type Result struct {
	PermissionsCreated int
	RolesCreated       int
	GrantsCreated      int
	GrantsRevoked      int
	TemplatesCreated   int
	TemplatesUpdated   int
}

// Changed reports whether Apply modified the store.
func (r *Result) Changed() bool {
	return *r != Result{}
}

// Applier writes a catalog into an engine. Existing entries are matched by
// permission key and role or template name and are left alone, so applying
// the same document twice changes nothing.
type Applier struct {
	engine *rbac.Engine
	repo   rbac.Repository
	cache  rbac.Cache
	logger logrus.FieldLogger

	// Prune revokes grants of seeded non-system roles that the document
	// no longer lists.
	Prune bool
}

// NewApplier creates an Applier. repo must be the engine's repository; it
// writes grants that involve system roles or permissions, which the engine
// refuses to edit. cache may be nil.
func NewApplier(engine *rbac.Engine, repo rbac.Repository, cache rbac.Cache, logger logrus.FieldLogger) *Applier {
	return &Applier{engine: engine, repo: repo, cache: cache, logger: logger}
}

// Apply creates missing permissions, roles, grants and templates.
func (a *Applier) Apply(ctx context.Context, c *Catalog) (*Result, error) {
	res := &Result{}

	perms, err := a.applyPermissions(ctx, c, res)
	if err != nil {
		return res, err
	}
	roles, err := a.applyRoles(ctx, c, res)
	if err != nil {
		return res, err
	}
	bootstrapped, err := a.applyGrants(ctx, c, perms, roles, res)
	if err != nil {
		return res, err
	}
	if err := a.applyTemplates(ctx, c, perms, res); err != nil {
		return res, err
	}

	// Direct repository writes bypass the engine's invalidation.
	if bootstrapped && a.cache != nil {
		if err := a.cache.Purge(ctx); err != nil {
			a.logger.WithError(err).Warn("failed to purge resolution cache after seeding")
		}
	}

	a.logger.WithFields(logrus.Fields{
		"permissions_created": res.PermissionsCreated,
		"roles_created":       res.RolesCreated,
		"grants_created":      res.GrantsCreated,
		"grants_revoked":      res.GrantsRevoked,
		"templates_created":   res.TemplatesCreated,
		"templates_updated":   res.TemplatesUpdated,
	}).Info("seed catalog applied")
	return res, nil
}

func (a *Applier) applyPermissions(ctx context.Context, c *Catalog, res *Result) (map[string]*rbac.Permission, error) {
	existing, err := a.engine.Catalog.ListPermissions(ctx, rbac.PermissionFilter{IncludeInactive: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	byKey := make(map[string]*rbac.Permission, len(existing))
	for i := range existing {
		byKey[existing[i].Key()] = &existing[i]
	}

	for _, spec := range c.Permissions {
		key, _ := spec.Key()
		if _, ok := byKey[key]; ok {
			continue
		}
		level, _ := rbac.ParseScopeLevel(spec.Scope)
		var conditions json.RawMessage
		if len(spec.Conditions) > 0 {
			if conditions, err = json.Marshal(spec.Conditions); err != nil {
				return nil, fmt.Errorf("permission %s: invalid conditions: %w", key, err)
			}
		}
		p, err := a.engine.Catalog.CreatePermission(ctx, rbac.CreatePermissionRequest{
			ResourceType:       spec.ResourceType,
			Action:             spec.Action,
			Scope:              level,
			Description:        spec.Description,
			IsSystemPermission: spec.System,
			Conditions:         conditions,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create permission %s: %w", key, err)
		}
		byKey[key] = p
		res.PermissionsCreated++
	}
	return byKey, nil
}

func (a *Applier) applyRoles(ctx context.Context, c *Catalog, res *Result) (map[string]*rbac.Role, error) {
	ordered, err := c.roleOrder()
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*rbac.Role, len(ordered))
	for _, spec := range ordered {
		role, err := a.engine.Catalog.GetRoleByName(ctx, spec.Name)
		if err == nil {
			byName[spec.Name] = role
			continue
		}
		if !errors.Is(err, rbac.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up role %q: %w", spec.Name, err)
		}

		req := rbac.CreateRoleRequest{
			Name:         spec.Name,
			Description:  spec.Description,
			Level:        spec.Level,
			IsSystemRole: spec.System,
		}
		if spec.Parent != "" {
			req.ParentRoleID = &byName[spec.Parent].ID
		}
		role, err = a.engine.Catalog.CreateRole(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to create role %q: %w", spec.Name, err)
		}
		byName[spec.Name] = role
		res.RolesCreated++
	}
	return byName, nil
}

// applyGrants reports whether it wrote through the repository directly.
func (a *Applier) applyGrants(ctx context.Context, c *Catalog, perms map[string]*rbac.Permission, roles map[string]*rbac.Role, res *Result) (bool, error) {
	bootstrapped := false
	for _, spec := range c.Roles {
		role := roles[spec.Name]
		current, err := a.repo.ListRoleGrants(ctx, []int64{role.ID})
		if err != nil {
			return bootstrapped, fmt.Errorf("failed to list grants of role %q: %w", role.Name, err)
		}
		granted := make(map[int64]bool, len(current))
		for _, g := range current {
			granted[g.PermissionID] = true
		}

		wanted := make(map[int64]bool, len(spec.Permissions))
		for _, key := range spec.Permissions {
			perm := perms[key]
			wanted[perm.ID] = true
			if granted[perm.ID] {
				continue
			}
			if role.IsSystemRole || perm.IsSystemPermission {
				err = a.repo.InsertRoleGrant(ctx, role.ID, perm.ID)
				bootstrapped = bootstrapped || err == nil
			} else {
				err = a.engine.Assignments.GrantRolePermission(ctx, role.ID, perm.ID)
			}
			if errors.Is(err, rbac.ErrConflict) {
				continue
			}
			if err != nil {
				return bootstrapped, fmt.Errorf("failed to grant %s to role %q: %w", key, role.Name, err)
			}
			res.GrantsCreated++
		}

		if !a.Prune || role.IsSystemRole {
			continue
		}
		for _, g := range current {
			if wanted[g.PermissionID] {
				continue
			}
			err := a.engine.Assignments.RevokeRolePermission(ctx, role.ID, g.PermissionID)
			switch {
			case err == nil:
				res.GrantsRevoked++
			case errors.Is(err, rbac.ErrImmutable), errors.Is(err, rbac.ErrNotFound):
				a.logger.WithError(err).WithField("role", role.Name).Debug("kept grant during prune")
			default:
				return bootstrapped, fmt.Errorf("failed to revoke permission %d from role %q: %w", g.PermissionID, role.Name, err)
			}
		}
	}
	return bootstrapped, nil
}

func (a *Applier) applyTemplates(ctx context.Context, c *Catalog, perms map[string]*rbac.Permission, res *Result) error {
	existing, err := a.engine.Templates.ListTemplates(ctx, rbac.TemplateFilter{IncludeInactive: true})
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}
	byName := make(map[string]rbac.PermissionTemplate, len(existing))
	for _, t := range existing {
		byName[t.Name] = t
	}

	for _, spec := range c.Templates {
		ids := make([]int64, 0, len(spec.Permissions))
		for _, key := range spec.Permissions {
			ids = append(ids, perms[key].ID)
		}
		ids = rbac.UniqueSorted(ids)

		current, ok := byName[spec.Name]
		if !ok {
			if _, err := a.engine.Templates.CreateTemplate(ctx, rbac.CreateTemplateRequest{
				Name:             spec.Name,
				Description:      spec.Description,
				TemplateType:     spec.Type,
				PermissionIDs:    ids,
				IsSystemTemplate: spec.System,
			}); err != nil {
				return fmt.Errorf("failed to create template %q: %w", spec.Name, err)
			}
			res.TemplatesCreated++
			continue
		}

		if current.IsSystemTemplate || sameIDs(current.PermissionIDs, ids) {
			continue
		}
		if _, err := a.engine.Templates.UpdateTemplate(ctx, current.ID, rbac.TemplateUpdate{
			Name:          current.Name,
			Description:   current.Description,
			TemplateType:  current.TemplateType,
			PermissionIDs: ids,
			IsActive:      current.IsActive,
		}); err != nil {
			return fmt.Errorf("failed to update template %q: %w", spec.Name, err)
		}
		res.TemplatesUpdated++
	}
	return nil
}

func sameIDs(a, b []int64) bool {
	a = rbac.UniqueSorted(a)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
