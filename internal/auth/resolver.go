package auth

import "sort"

// Resolver answers capability questions over an injected RoleTable.
type Resolver struct {
	table *RoleTable
}

// NewResolver returns a resolver over table, or over DefaultRoleTable when nil.
func NewResolver(table *RoleTable) *Resolver {
	if table == nil {
		table = DefaultRoleTable()
	}
	return &Resolver{table: table}
}

// HasPermission is false for unrecognized roles.
func (r *Resolver) HasPermission(role Role, perm Permission) bool {
	set, ok := r.table.grants[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// HasAny reports whether role holds at least one of perms.
func (r *Resolver) HasAny(role Role, perms ...Permission) bool {
	for _, p := range perms {
		if r.HasPermission(role, p) {
			return true
		}
	}
	return false
}

// HasAll reports whether role holds every one of perms.
func (r *Resolver) HasAll(role Role, perms ...Permission) bool {
	for _, p := range perms {
		if !r.HasPermission(role, p) {
			return false
		}
	}
	return true
}

// PermissionsOf returns role's permissions sorted by key; empty for unknown roles.
func (r *Resolver) PermissionsOf(role Role) []Permission {
	set := r.table.grants[role]
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Level returns the hierarchy index of role, or LevelUnknown.
func (r *Resolver) Level(role Role) int { return r.table.Level(role) }

// CanManage reports whether acting may manage members holding target.
// Both roles must be recognized.
func (r *Resolver) CanManage(acting, target Role) bool {
	if !r.table.known(acting) || !r.table.known(target) {
		return false
	}
	return r.table.Level(acting) >= r.table.Level(target) && r.HasPermission(acting, PermManageUsers)
}
