package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository. Writers are serialised by a
// single lock, so every method is atomic and snapshots never tear.
type MemoryRepository struct {
	mu sync.RWMutex

	nextID int64

	permissions map[int64]Permission
	roles       map[int64]Role
	grants      map[int64]map[int64]struct{}
	assignments map[int64]UserRoleAssignment
	overrides   map[int64]UserPermissionOverride
	templates   map[int64]PermissionTemplate

	now func() time.Time
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		permissions: make(map[int64]Permission),
		roles:       make(map[int64]Role),
		grants:      make(map[int64]map[int64]struct{}),
		assignments: make(map[int64]UserRoleAssignment),
		overrides:   make(map[int64]UserPermissionOverride),
		templates:   make(map[int64]PermissionTemplate),
		now:         time.Now,
	}
}

var _ Repository = (*MemoryRepository)(nil)

// SetClock overrides the clock used for created and updated timestamps.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryRepository) id() int64 {
	m.nextID++
	return m.nextID
}

// CreatePermission stores p and assigns its ID.
func (m *MemoryRepository) CreatePermission(ctx context.Context, p *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.permissions {
		if existing.Key() == p.Key() {
			return fmt.Errorf("%w: permission %s already exists", ErrConflict, p.Key())
		}
	}
	p.ID = m.id()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now().UTC()
	}
	m.permissions[p.ID] = clonePermission(*p)
	return nil
}

// GetPermission returns the permission with id.
func (m *MemoryRepository) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.permissions[id]
	if !ok {
		return nil, notFound("permission", id)
	}
	p = clonePermission(p)
	return &p, nil
}

// ListPermissions returns matching permissions in catalog order.
func (m *MemoryRepository) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		if filter.Matches(p) {
			out = append(out, clonePermission(p))
		}
	}
	SortPermissions(out)
	return out, nil
}

// SetPermissionActive flips the activation flag.
func (m *MemoryRepository) SetPermissionActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.permissions[id]
	if !ok {
		return notFound("permission", id)
	}
	p.IsActive = active
	m.permissions[id] = p
	return nil
}

// CreateRole stores r and assigns its ID.
func (m *MemoryRepository) CreateRole(ctx context.Context, r *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.roles {
		if existing.Name == r.Name {
			return fmt.Errorf("%w: role %q already exists", ErrConflict, r.Name)
		}
	}
	if r.ParentRoleID != nil {
		if _, ok := m.roles[*r.ParentRoleID]; !ok {
			return notFound("role", *r.ParentRoleID)
		}
	}
	now := m.now().UTC()
	r.ID = m.id()
	r.CreatedAt, r.UpdatedAt = now, now
	m.roles[r.ID] = cloneRole(*r)
	return nil
}

// GetRole returns the role with id.
func (m *MemoryRepository) GetRole(ctx context.Context, id int64) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.roles[id]
	if !ok {
		return nil, notFound("role", id)
	}
	r = cloneRole(r)
	return &r, nil
}

// GetRoleByName returns the role called name.
func (m *MemoryRepository) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.roles {
		if r.Name == name {
			r = cloneRole(r)
			return &r, nil
		}
	}
	return nil, notFound("role", name)
}

// ListRoles returns matching roles, highest level first.
func (m *MemoryRepository) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		if filter.Matches(r) {
			out = append(out, cloneRole(r))
		}
	}
	SortRoles(out)
	return out, nil
}

// UpdateRole replaces the mutable attributes of r.
func (m *MemoryRepository) UpdateRole(ctx context.Context, r *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.roles[r.ID]
	if !ok {
		return notFound("role", r.ID)
	}
	if r.ParentRoleID != nil {
		if _, ok := m.roles[*r.ParentRoleID]; !ok {
			return notFound("role", *r.ParentRoleID)
		}
	}
	r.Name = existing.Name
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = m.now().UTC()
	m.roles[r.ID] = cloneRole(*r)
	return nil
}

// DeleteRole removes the role and its grants.
func (m *MemoryRepository) DeleteRole(ctx context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roles[id]; !ok {
		return notFound("role", id)
	}
	for _, a := range m.assignments {
		if a.RoleID == id && a.IsActive && !expiredAt(a.IsActive, a.EffectiveUntil, now) {
			return fmt.Errorf("%w: role %d has active user assignments", ErrConflict, id)
		}
	}
	for _, r := range m.roles {
		if r.ParentRoleID != nil && *r.ParentRoleID == id {
			return fmt.Errorf("%w: role %d is the parent of role %q", ErrConflict, id, r.Name)
		}
	}
	delete(m.roles, id)
	delete(m.grants, id)
	return nil
}

// InsertRoleGrant adds a grant.
func (m *MemoryRepository) InsertRoleGrant(ctx context.Context, roleID, permissionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkGrantRefs(roleID, permissionID); err != nil {
		return err
	}
	if m.hasGrant(roleID, permissionID) {
		return fmt.Errorf("%w: role %d already grants permission %d", ErrConflict, roleID, permissionID)
	}
	m.putGrant(roleID, permissionID)
	return nil
}

// DeleteRoleGrant removes a grant.
func (m *MemoryRepository) DeleteRoleGrant(ctx context.Context, roleID, permissionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasGrant(roleID, permissionID) {
		return fmt.Errorf("%w: role %d does not grant permission %d", ErrNotFound, roleID, permissionID)
	}
	delete(m.grants[roleID], permissionID)
	return nil
}

// SetRoleGrant makes grant presence equal to granted.
func (m *MemoryRepository) SetRoleGrant(ctx context.Context, roleID, permissionID int64, granted bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkGrantRefs(roleID, permissionID); err != nil {
		return false, err
	}
	if m.hasGrant(roleID, permissionID) == granted {
		return false, nil
	}
	if granted {
		m.putGrant(roleID, permissionID)
	} else {
		delete(m.grants[roleID], permissionID)
	}
	return true, nil
}

// ToggleRoleGrant flips grant presence.
func (m *MemoryRepository) ToggleRoleGrant(ctx context.Context, roleID, permissionID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkGrantRefs(roleID, permissionID); err != nil {
		return false, err
	}
	if m.hasGrant(roleID, permissionID) {
		delete(m.grants[roleID], permissionID)
		return false, nil
	}
	m.putGrant(roleID, permissionID)
	return true, nil
}

// ListRoleGrants returns the grants of the given roles, or of every role when
// roleIDs is empty.
func (m *MemoryRepository) ListRoleGrants(ctx context.Context, roleIDs []int64) ([]RoleGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []RoleGrant
	for roleID, perms := range m.grants {
		if len(roleIDs) > 0 && !containsID(roleIDs, roleID) {
			continue
		}
		for permID := range perms {
			out = append(out, RoleGrant{RoleID: roleID, PermissionID: permID})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoleID != out[j].RoleID {
			return out[i].RoleID < out[j].RoleID
		}
		return out[i].PermissionID < out[j].PermissionID
	})
	return out, nil
}

// ListRoleHolders returns the users with an active assignment of roleID.
func (m *MemoryRepository) ListRoleHolders(ctx context.Context, roleID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var users []string
	for _, a := range m.assignments {
		if a.RoleID != roleID || !a.IsActive {
			continue
		}
		if _, ok := seen[a.UserID]; !ok {
			seen[a.UserID] = struct{}{}
			users = append(users, a.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

// InsertAssignment stores a new active assignment.
func (m *MemoryRepository) InsertAssignment(ctx context.Context, a *UserRoleAssignment, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roles[a.RoleID]; !ok {
		return notFound("role", a.RoleID)
	}
	for id, existing := range m.assignments {
		if existing.UserID != a.UserID || existing.RoleID != a.RoleID || existing.Scope != a.Scope || !existing.IsActive {
			continue
		}
		if expiredAt(existing.IsActive, existing.EffectiveUntil, now) {
			existing.IsActive = false
			m.assignments[id] = existing
			continue
		}
		return fmt.Errorf("%w: user %s already holds role %d at scope %s", ErrConflict, a.UserID, a.RoleID, a.Scope)
	}
	a.ID = m.id()
	a.IsActive = true
	a.CreatedAt = now.UTC()
	m.assignments[a.ID] = cloneAssignment(*a)
	return nil
}

// DeactivateAssignment ends the active assignment matching the tuple.
func (m *MemoryRepository) DeactivateAssignment(ctx context.Context, userID string, roleID int64, scope Scope, now time.Time) (*UserRoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, a := range m.assignments {
		if a.UserID != userID || a.RoleID != roleID || a.Scope != scope || !a.IsActive {
			continue
		}
		if expiredAt(a.IsActive, a.EffectiveUntil, now) {
			continue
		}
		a.IsActive = false
		m.assignments[id] = a
		out := cloneAssignment(a)
		return &out, nil
	}
	return nil, fmt.Errorf("%w: no active assignment of role %d to user %s at scope %s", ErrNotFound, roleID, userID, scope)
}

// ListAssignments returns every assignment row for the user, oldest first.
func (m *MemoryRepository) ListAssignments(ctx context.Context, userID string) ([]UserRoleAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.assignmentsFor(userID), nil
}

// InsertOverride stores a new active override.
func (m *MemoryRepository) InsertOverride(ctx context.Context, o *UserPermissionOverride, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.permissions[o.PermissionID]; !ok {
		return notFound("permission", o.PermissionID)
	}
	for id, existing := range m.overrides {
		if existing.UserID != o.UserID || existing.PermissionID != o.PermissionID || existing.Scope != o.Scope || !existing.IsActive {
			continue
		}
		if expiredAt(existing.IsActive, existing.EffectiveUntil, now) {
			existing.IsActive = false
			m.overrides[id] = existing
			continue
		}
		return fmt.Errorf("%w: user %s already has an override for permission %d at scope %s", ErrConflict, o.UserID, o.PermissionID, o.Scope)
	}
	o.ID = m.id()
	o.IsActive = true
	o.CreatedAt = now.UTC()
	m.overrides[o.ID] = cloneOverride(*o)
	return nil
}

// DeactivateOverride clears the active override matching the tuple.
func (m *MemoryRepository) DeactivateOverride(ctx context.Context, userID string, permissionID int64, scope Scope, now time.Time) (*UserPermissionOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, o := range m.overrides {
		if o.UserID != userID || o.PermissionID != permissionID || o.Scope != scope || !o.IsActive {
			continue
		}
		if expiredAt(o.IsActive, o.EffectiveUntil, now) {
			continue
		}
		o.IsActive = false
		m.overrides[id] = o
		out := cloneOverride(o)
		return &out, nil
	}
	return nil, fmt.Errorf("%w: no active override of permission %d for user %s at scope %s", ErrNotFound, permissionID, userID, scope)
}

// ListOverrides returns every override row for the user, oldest first.
func (m *MemoryRepository) ListOverrides(ctx context.Context, userID string) ([]UserPermissionOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.overridesFor(userID), nil
}

// DeactivateExpired flags rows whose upper bound has passed.
func (m *MemoryRepository) DeactivateExpired(ctx context.Context, now time.Time) ([]UserRoleAssignment, []UserPermissionOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var assignments []UserRoleAssignment
	for id, a := range m.assignments {
		if expiredAt(a.IsActive, a.EffectiveUntil, now) {
			a.IsActive = false
			m.assignments[id] = a
			assignments = append(assignments, cloneAssignment(a))
		}
	}
	var overrides []UserPermissionOverride
	for id, o := range m.overrides {
		if expiredAt(o.IsActive, o.EffectiveUntil, now) {
			o.IsActive = false
			m.overrides[id] = o
			overrides = append(overrides, cloneOverride(o))
		}
	}
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].ID < assignments[j].ID })
	sort.Slice(overrides, func(i, j int) bool { return overrides[i].ID < overrides[j].ID })
	return assignments, overrides, nil
}

// PrincipalSnapshot reads the user's inputs under one read lock.
func (m *MemoryRepository) PrincipalSnapshot(ctx context.Context, userID string) (*PrincipalSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &PrincipalSnapshot{
		UserID:      userID,
		Assignments: m.assignmentsFor(userID),
		Overrides:   m.overridesFor(userID),
		Roles:       make(map[int64]Role),
		Grants:      make(map[int64][]int64),
		Permissions: make(map[int64]Permission),
	}

	for _, a := range snap.Assignments {
		// Walk the parent chain; the visited check guards corrupt data.
		for id := a.RoleID; ; {
			if _, seen := snap.Roles[id]; seen {
				break
			}
			r, ok := m.roles[id]
			if !ok {
				break
			}
			snap.Roles[id] = cloneRole(r)
			perms := make([]int64, 0, len(m.grants[id]))
			for permID := range m.grants[id] {
				perms = append(perms, permID)
				if _, ok := snap.Permissions[permID]; !ok {
					snap.Permissions[permID] = clonePermission(m.permissions[permID])
				}
			}
			snap.Grants[id] = UniqueSorted(perms)
			if r.ParentRoleID == nil {
				break
			}
			id = *r.ParentRoleID
		}
	}
	for _, o := range snap.Overrides {
		if p, ok := m.permissions[o.PermissionID]; ok {
			snap.Permissions[o.PermissionID] = clonePermission(p)
		}
	}
	return snap, nil
}

// CreateTemplate stores t and assigns its ID.
func (m *MemoryRepository) CreateTemplate(ctx context.Context, t *PermissionTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.templates {
		if existing.Name == t.Name {
			return fmt.Errorf("%w: template %q already exists", ErrConflict, t.Name)
		}
	}
	now := m.now().UTC()
	t.ID = m.id()
	t.CreatedAt, t.UpdatedAt = now, now
	t.PermissionIDs = UniqueSorted(t.PermissionIDs)
	m.templates[t.ID] = cloneTemplate(*t)
	return nil
}

// GetTemplate returns the template with id.
func (m *MemoryRepository) GetTemplate(ctx context.Context, id int64) (*PermissionTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.templates[id]
	if !ok {
		return nil, notFound("template", id)
	}
	t = cloneTemplate(t)
	return &t, nil
}

// ListTemplates returns matching templates ordered by name.
func (m *MemoryRepository) ListTemplates(ctx context.Context, filter TemplateFilter) ([]PermissionTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PermissionTemplate
	for _, t := range m.templates {
		if filter.Matches(t) {
			out = append(out, cloneTemplate(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateTemplate replaces the editable attributes of t.
func (m *MemoryRepository) UpdateTemplate(ctx context.Context, t *PermissionTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.templates[t.ID]
	if !ok {
		return notFound("template", t.ID)
	}
	for _, other := range m.templates {
		if other.ID != t.ID && other.Name == t.Name {
			return fmt.Errorf("%w: template %q already exists", ErrConflict, t.Name)
		}
	}
	t.CreatedAt = existing.CreatedAt
	t.UsageCount = existing.UsageCount
	t.UpdatedAt = m.now().UTC()
	t.PermissionIDs = UniqueSorted(t.PermissionIDs)
	m.templates[t.ID] = cloneTemplate(*t)
	return nil
}

// DeleteTemplate removes a template.
func (m *MemoryRepository) DeleteTemplate(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.templates[id]; !ok {
		return notFound("template", id)
	}
	delete(m.templates, id)
	return nil
}

// IncrementTemplateUsage adds one to the usage count.
func (m *MemoryRepository) IncrementTemplateUsage(ctx context.Context, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[id]
	if !ok {
		return 0, notFound("template", id)
	}
	t.UsageCount++
	m.templates[id] = t
	return t.UsageCount, nil
}

func (m *MemoryRepository) checkGrantRefs(roleID, permissionID int64) error {
	if _, ok := m.roles[roleID]; !ok {
		return notFound("role", roleID)
	}
	if _, ok := m.permissions[permissionID]; !ok {
		return notFound("permission", permissionID)
	}
	return nil
}

func (m *MemoryRepository) hasGrant(roleID, permissionID int64) bool {
	_, ok := m.grants[roleID][permissionID]
	return ok
}

func (m *MemoryRepository) putGrant(roleID, permissionID int64) {
	if m.grants[roleID] == nil {
		m.grants[roleID] = make(map[int64]struct{})
	}
	m.grants[roleID][permissionID] = struct{}{}
}

func (m *MemoryRepository) assignmentsFor(userID string) []UserRoleAssignment {
	var out []UserRoleAssignment
	for _, a := range m.assignments {
		if a.UserID == userID {
			out = append(out, cloneAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryRepository) overridesFor(userID string) []UserPermissionOverride {
	var out []UserPermissionOverride
	for _, o := range m.overrides {
		if o.UserID == userID {
			out = append(out, cloneOverride(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clonePermission(p Permission) Permission {
	if p.Conditions != nil {
		p.Conditions = append([]byte(nil), p.Conditions...)
	}
	return p
}

func cloneRole(r Role) Role {
	if r.ParentRoleID != nil {
		id := *r.ParentRoleID
		r.ParentRoleID = &id
	}
	return r
}

func cloneAssignment(a UserRoleAssignment) UserRoleAssignment {
	if a.EffectiveUntil != nil {
		t := *a.EffectiveUntil
		a.EffectiveUntil = &t
	}
	return a
}

func cloneOverride(o UserPermissionOverride) UserPermissionOverride {
	if o.EffectiveUntil != nil {
		t := *o.EffectiveUntil
		o.EffectiveUntil = &t
	}
	return o
}

func cloneTemplate(t PermissionTemplate) PermissionTemplate {
	t.PermissionIDs = append([]int64(nil), t.PermissionIDs...)
	return t
}
