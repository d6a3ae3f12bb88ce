package auth

import (
	"fmt"
	"strings"
)

// Role is a named level of authority. Only the four constants below are
// recognized; any other value is denied everything.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleAnalyst Role = "analyst"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// Hierarchy lists the built-in roles from least to most privileged.
var Hierarchy = []Role{RoleViewer, RoleAnalyst, RoleManager, RoleAdmin}

// ParseRole normalizes s and returns ErrInvalidRole for anything outside the hierarchy.
func ParseRole(s string) (Role, error) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range Hierarchy {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

func (r Role) String() string { return string(r) }
