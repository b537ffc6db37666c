package rbac

import (
	"sort"
	"time"
)

// roleContribution tracks the roles granting one permission.
type roleContribution struct {
	best  Role
	names []string
}

func (c *roleContribution) add(r Role) {
	for _, n := range c.names {
		if n == r.Name {
			return
		}
	}
	c.names = append(c.names, r.Name)
	// Highest level wins attribution, then the smallest name.
	if len(c.names) == 1 || r.Level > c.best.Level || (r.Level == c.best.Level && r.Name < c.best.Name) {
		c.best = r
	}
}

// computeEffective derives the effective permission set of one principal
// from a consistent snapshot. It is a pure function of its inputs.
//
//  1. assignments effective at asOf whose scope contains the context scope
//  2. union of the direct grants of those roles (plus ancestors if inherit)
//  3. overrides effective at asOf whose scope contains the context scope
//  4. split into grants and denies
//  5. (roleDerived ∪ grants) \ denies
//  6. attribute: "direct" when an override grant exists, else the role
//  7. order by permission id
func computeEffective(snap *PrincipalSnapshot, scope Scope, asOf time.Time, inherit bool) *EffectivePermissionSet {
	set := &EffectivePermissionSet{
		UserID:      snap.UserID,
		Scope:       scope,
		AsOf:        asOf,
		Permissions: []EffectivePermission{},
	}

	roleDerived := make(map[int64]*roleContribution)
	for _, a := range snap.Assignments {
		if !a.IsEffectiveAt(asOf) || !a.Scope.Contains(scope) {
			continue
		}
		role, ok := snap.Roles[a.RoleID]
		if !ok || !role.IsActive {
			continue
		}
		for _, roleID := range grantingRoles(snap, role, inherit) {
			for _, permID := range snap.Grants[roleID] {
				if p, ok := snap.Permissions[permID]; !ok || !p.IsActive {
					continue
				}
				c := roleDerived[permID]
				if c == nil {
					c = &roleContribution{}
					roleDerived[permID] = c
				}
				c.add(role)
			}
		}
	}

	grants := make(map[int64]bool)
	denies := make(map[int64]UserPermissionOverride)
	for _, o := range snap.Overrides {
		if !o.IsEffectiveAt(asOf) || !o.Scope.Contains(scope) {
			continue
		}
		if !o.IsGranted {
			// Overrides arrive oldest first; the first deny is reported.
			if _, seen := denies[o.PermissionID]; !seen {
				denies[o.PermissionID] = o
			}
			continue
		}
		if p, ok := snap.Permissions[o.PermissionID]; ok && p.IsActive {
			grants[o.PermissionID] = true
		}
	}

	for permID, c := range roleDerived {
		if _, denied := denies[permID]; denied {
			continue
		}
		sort.Strings(c.names)
		src := Source{Kind: SourceRole, RoleName: c.best.Name, GrantedBy: c.names}
		if grants[permID] {
			src = Source{Kind: SourceDirect, GrantedBy: c.names}
		}
		set.Permissions = append(set.Permissions, newEntry(snap.Permissions[permID], src))
	}
	for permID := range grants {
		if _, denied := denies[permID]; denied {
			continue
		}
		if _, viaRole := roleDerived[permID]; viaRole {
			continue
		}
		set.Permissions = append(set.Permissions, newEntry(snap.Permissions[permID], Source{Kind: SourceDirect}))
	}
	sort.Slice(set.Permissions, func(i, j int) bool {
		return set.Permissions[i].PermissionID < set.Permissions[j].PermissionID
	})

	for permID, o := range denies {
		key := ""
		if p, ok := snap.Permissions[permID]; ok {
			key = p.Key()
		}
		set.Denied = append(set.Denied, DeniedPermission{
			PermissionID: permID,
			Key:          key,
			Reason:       o.Reason,
			Scope:        o.Scope,
		})
	}
	sort.Slice(set.Denied, func(i, j int) bool { return set.Denied[i].PermissionID < set.Denied[j].PermissionID })

	set.ValidFrom, set.ValidUntil = validityWindow(snap, asOf)
	return set
}

func newEntry(p Permission, src Source) EffectivePermission {
	return EffectivePermission{
		PermissionID: p.ID,
		Key:          p.Key(),
		Permission:   p,
		Source:       src,
	}
}

// grantingRoles returns role and, with inheritance, its active ancestors.
func grantingRoles(snap *PrincipalSnapshot, role Role, inherit bool) []int64 {
	ids := []int64{role.ID}
	if !inherit {
		return ids
	}
	seen := map[int64]bool{role.ID: true}
	for cur := role; cur.ParentRoleID != nil; {
		parent, ok := snap.Roles[*cur.ParentRoleID]
		if !ok || seen[parent.ID] {
			break
		}
		seen[parent.ID] = true
		if parent.IsActive {
			ids = append(ids, parent.ID)
		}
		cur = parent
	}
	return ids
}

// validityWindow returns the nearest time bounds around asOf at which any
// active row of the snapshot starts or stops being effective. The resolved
// set cannot change strictly inside the window.
func validityWindow(snap *PrincipalSnapshot, asOf time.Time) (from, until time.Time) {
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if !t.After(asOf) {
			if t.After(from) {
				from = t
			}
			return
		}
		if until.IsZero() || t.Before(until) {
			until = t
		}
	}
	for _, a := range snap.Assignments {
		if !a.IsActive {
			continue
		}
		consider(a.EffectiveFrom)
		if a.EffectiveUntil != nil {
			consider(*a.EffectiveUntil)
		}
	}
	for _, o := range snap.Overrides {
		if !o.IsActive {
			continue
		}
		consider(o.EffectiveFrom)
		if o.EffectiveUntil != nil {
			consider(*o.EffectiveUntil)
		}
	}
	return from, until
}

// cloneSet deep-copies a set so cached values never alias caller data.
func cloneSet(s *EffectivePermissionSet) *EffectivePermissionSet {
	out := *s
	out.Permissions = make([]EffectivePermission, len(s.Permissions))
	for i, p := range s.Permissions {
		p.Permission = clonePermission(p.Permission)
		p.Source.GrantedBy = append([]string(nil), p.Source.GrantedBy...)
		out.Permissions[i] = p
	}
	out.Denied = append([]DeniedPermission(nil), s.Denied...)
	return &out
}
