package auth

type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleOperator, RoleAdmin:
		return true
	}
	return false
}

type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
	PermAdmin Permission = "admin"
)

// Permissions maps a role to what it may do. Writes reach the inverter,
// viewers only read.
func (r Role) Permissions() []Permission {
	switch r {
	case RoleAdmin:
		return []Permission{PermRead, PermWrite, PermAdmin}
	case RoleOperator:
		return []Permission{PermRead, PermWrite}
	case RoleViewer:
		return []Permission{PermRead}
	}
	return nil
}
