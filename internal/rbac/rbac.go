package rbac

type Role string
type Action string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"

	// RoleUnknown marks an identity with no user record or an
	// unrecognized role value. It is denied every action.
	RoleUnknown Role = ""
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

// Normalize maps a stored role string onto a known Role. Anything
// unrecognized collapses to RoleUnknown, never to a privileged role.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUnknown
	}
}

// Valid reports whether role is one of the two assignable enum values.
func Valid(role string) bool {
	return Role(role) == RoleUser || Role(role) == RoleAdmin
}
