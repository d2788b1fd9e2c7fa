package models

// Role represents a subject's permission level.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// ParseRole converts a string to Role.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "operator":
		return RoleOperator
	default:
		return RoleViewer
	}
}

// Subject is an authenticated principal acting on alerts.
type Subject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// IsAdmin returns true if the subject has the admin role.
func (s *Subject) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// CanWrite returns true if the subject may modify alerts it has grants for.
func (s *Subject) CanWrite() bool {
	return s.Role == RoleAdmin || s.Role == RoleOperator
}

// Grant operations attached to a resource group.
const (
	OpManageAlerts = "manageAlerts"
	OpViewAlerts   = "viewAlerts"
)
