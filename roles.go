package linking

import "strings"

// Role is the permission tier of an identity.
type Role string

const (
	RoleGuest  Role = "GUEST"
	RoleUser   Role = "USER"
	RoleArtist Role = "ARTIST"
	RoleAdmin  Role = "ADMIN"
)

var roleHierarchy = map[Role]int{
	RoleGuest:  0,
	RoleUser:   1,
	RoleArtist: 2,
	RoleAdmin:  3,
}

// IsValid checks if the role is one of the predefined valid roles
func (r Role) IsValid() bool {
	_, ok := roleHierarchy[r]
	return ok
}

// Level returns the position of the role in the hierarchy, -1 if unknown.
func (r Role) Level() int {
	level, ok := roleHierarchy[r]
	if !ok {
		return -1
	}
	return level
}

// IsAtLeast checks if this role meets the minimum required level
func (r Role) IsAtLeast(minRole Role) bool {
	currentLevel, exists := roleHierarchy[r]
	if !exists {
		return false
	}

	minLevel, exists := roleHierarchy[minRole]
	if !exists {
		return false
	}

	return currentLevel >= minLevel
}

// Max returns the higher of the two roles.
func (r Role) Max(other Role) Role {
	if other.Level() > r.Level() {
		return other
	}
	return r
}

func (r Role) String() string {
	return string(r)
}

// GetAllRoles returns all predefined roles in hierarchical order
func GetAllRoles() []Role {
	return []Role{
		RoleGuest,
		RoleUser,
		RoleArtist,
		RoleAdmin,
	}
}

// ParseRole safely parses a string into a Role type, ignoring case
func ParseRole(roleStr string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(roleStr)))
	return role, role.IsValid()
}
