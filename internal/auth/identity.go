package auth

import "strings"

// Role names that grant privileged forum rights.
const (
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// Identity is the engine's view of the current user, resolved from the
// external identity provider's token. The engine never mutates identities.
type Identity struct {
	UserID      string
	DisplayName string
	Privileged  bool
}

// IsZero reports whether no identity has been resolved.
func (i Identity) IsZero() bool {
	return strings.TrimSpace(i.UserID) == ""
}

func rolesGrantPrivilege(roles []string) bool {
	for _, role := range roles {
		switch strings.ToLower(strings.TrimSpace(role)) {
		case RoleModerator, RoleAdmin:
			return true
		}
	}
	return false
}
