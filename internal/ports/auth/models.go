package auth

// Role del actor autenticado.
type Role string

const (
	RolePatient      Role = "patient"
	RolePractitioner Role = "practitioner"
	RoleAdmin        Role = "admin"
	RoleSystem       Role = "system"
)

func ParseRole(s string) Role {
	switch Role(s) {
	case RolePractitioner, RoleAdmin, RoleSystem:
		return Role(s)
	default:
		return RolePatient
	}
}

// Claims representa la información extraída del token.
type Claims struct {
	UserID string
	Email  string
	Role   Role

	// Solo para practicantes; si viene vacío se resuelve via directorio.
	PractitionerID string
	OrganizationID string
}

// IsPrivileged: admin y system actúan sobre cualquier grant.
func (c Claims) IsPrivileged() bool {
	return c.Role == RoleAdmin || c.Role == RoleSystem
}
