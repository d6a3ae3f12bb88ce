package auth

import (
	"errors"
	"fmt"
	"math"
)

// LevelUnknown is the hierarchy level of unrecognized roles. It is below
// every real level and never satisfies a >= comparison in CanManage.
const LevelUnknown = math.MinInt

// RoleTable is an immutable role hierarchy with per-role permission sets.
// Each role's set is a superset of every lower role's set.
type RoleTable struct {
	levels map[Role]int
	grants map[Role]map[Permission]struct{}
	order  []Role
}

// NewRoleTable builds a table from hierarchy (least privileged first) and grants.
// It fails when the monotonic superset invariant does not hold.
func NewRoleTable(hierarchy []Role, grants map[Role][]Permission) (*RoleTable, error) {
	if len(hierarchy) == 0 {
		return nil, errors.New("auth: role hierarchy is empty")
	}
	t := &RoleTable{
		levels: make(map[Role]int, len(hierarchy)),
		grants: make(map[Role]map[Permission]struct{}, len(hierarchy)),
		order:  append([]Role(nil), hierarchy...),
	}
	for i, r := range hierarchy {
		if _, dup := t.levels[r]; dup {
			return nil, fmt.Errorf("auth: role %q listed twice", r)
		}
		t.levels[r] = i
		set := make(map[Permission]struct{}, len(grants[r]))
		for _, p := range grants[r] {
			set[p] = struct{}{}
		}
		t.grants[r] = set
	}
	for r := range grants {
		if _, ok := t.levels[r]; !ok {
			return nil, fmt.Errorf("auth: grants for role %q outside hierarchy", r)
		}
	}
	for i := 1; i < len(hierarchy); i++ {
		lower, higher := hierarchy[i-1], hierarchy[i]
		for p := range t.grants[lower] {
			if _, ok := t.grants[higher][p]; !ok {
				return nil, fmt.Errorf("auth: role %q lacks %q held by lower role %q", higher, p, lower)
			}
		}
	}
	return t, nil
}

// DefaultRoleTable returns the built-in viewer < analyst < manager < admin table.
func DefaultRoleTable() *RoleTable {
	viewer := []Permission{PermViewAnalysis, PermViewOrganization, PermViewAnalytics}
	analyst := append(append([]Permission{}, viewer...),
		PermCreateAnalysis, PermEditAnalysis, PermExportAnalysis)
	manager := append(append([]Permission{}, analyst...),
		PermDeleteAnalysis, PermViewUsers, PermInviteUsers, PermManageUsers,
		PermViewAdvancedAnalytics, PermViewBilling)
	admin := append(append([]Permission{}, manager...),
		PermRemoveUsers, PermEditOrganization, PermManageBilling, PermViewAuditLogs)

	t, err := NewRoleTable(Hierarchy, map[Role][]Permission{
		RoleViewer:  viewer,
		RoleAnalyst: analyst,
		RoleManager: manager,
		RoleAdmin:   admin,
	})
	if err != nil {
		panic(err)
	}
	return t
}

// Level returns the hierarchy index of r, or LevelUnknown.
func (t *RoleTable) Level(r Role) int {
	if l, ok := t.levels[r]; ok {
		return l
	}
	return LevelUnknown
}

// Roles returns the hierarchy, least privileged first.
func (t *RoleTable) Roles() []Role {
	return append([]Role(nil), t.order...)
}

func (t *RoleTable) known(r Role) bool {
	_, ok := t.levels[r]
	return ok
}
