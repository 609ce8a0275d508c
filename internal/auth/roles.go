package auth

import (
	"fmt"
	"strings"
)

// Role is a user role. The wire form is the upper-case name.
type Role string

const (
	RoleUser         Role = "USER"
	RoleWasteManager Role = "WASTE_MANAGER"
	RoleAdmin        Role = "ADMIN"
	RoleSuperadmin   Role = "SUPERADMIN"
)

// Roles lists every role from lowest to highest rank.
func Roles() []Role {
	return []Role{RoleUser, RoleWasteManager, RoleAdmin, RoleSuperadmin}
}

// ParseRole accepts exactly one of the four role names.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// Rank is the role ordinal: USER 1 up to SUPERADMIN 4, 0 for unknown roles.
func (r Role) Rank() int {
	switch r {
	case RoleUser:
		return 1
	case RoleWasteManager:
		return 2
	case RoleAdmin:
		return 3
	case RoleSuperadmin:
		return 4
	default:
		return 0
	}
}

// DisplayName renders the role for humans, e.g. "Waste Manager".
func (r Role) DisplayName() string {
	parts := strings.Split(strings.ToLower(string(r)), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

// HasHigherRole reports whether a outranks b.
func HasHigherRole(a, b Role) bool {
	return a.Rank() > b.Rank()
}

// CanManageUser reports whether a manager with role manager may act on a
// user holding (or being assigned) role target.
func CanManageUser(manager, target Role) bool {
	switch manager {
	case RoleSuperadmin:
		return target.Valid()
	case RoleAdmin:
		return target == RoleWasteManager || target == RoleUser
	case RoleWasteManager:
		return target == RoleUser
	default:
		return false
	}
}
