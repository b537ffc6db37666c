package rbac

import (
	"sort"
	"strings"
)

// Matches reports whether r passes the filter.
func (f RoleFilter) Matches(r Role) bool {
	if !f.IncludeInactive && !r.IsActive {
		return false
	}
	if len(f.IDs) > 0 && !containsID(f.IDs, r.ID) {
		return false
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(r.Name), strings.ToLower(f.NameContains)) {
		return false
	}
	if f.MinLevel != nil && r.Level < *f.MinLevel {
		return false
	}
	return true
}

// Matches reports whether p passes the filter.
func (f PermissionFilter) Matches(p Permission) bool {
	if !f.IncludeInactive && !p.IsActive {
		return false
	}
	if len(f.IDs) > 0 && !containsID(f.IDs, p.ID) {
		return false
	}
	if f.ResourceType != "" && p.ResourceType != f.ResourceType {
		return false
	}
	if f.Action != "" && p.Action != f.Action {
		return false
	}
	if f.Scope != nil && p.Scope != *f.Scope {
		return false
	}
	return true
}

// Matches reports whether t passes the filter.
func (f TemplateFilter) Matches(t PermissionTemplate) bool {
	if !f.IncludeInactive && !t.IsActive {
		return false
	}
	return f.TemplateType == "" || t.TemplateType == f.TemplateType
}

// SortRoles orders roles by descending level, then name.
func SortRoles(roles []Role) {
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Level != roles[j].Level {
			return roles[i].Level > roles[j].Level
		}
		return roles[i].Name < roles[j].Name
	})
}

// SortPermissions orders permissions by resource type, action, scope.
func SortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool {
		a, b := perms[i], perms[j]
		if a.ResourceType != b.ResourceType {
			return a.ResourceType < b.ResourceType
		}
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		return a.Scope < b.Scope
	})
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// UniqueSorted returns the distinct ids in ascending order.
func UniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
