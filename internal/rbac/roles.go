package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleMember is any call participant.
	RoleMember = "member"
	// RoleAdmin may read cross-participant call statistics.
	RoleAdmin = "admin"
	// RoleService is the hidden role for internal automation (e.g. endpoint runners).
	RoleService = "service"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func Valid(role string) bool {
	switch role {
	case RoleMember, RoleAdmin, RoleService:
		return true
	default:
		return false
	}
}
