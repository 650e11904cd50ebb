package authz

const (
	RoleSales      = 10
	RoleOperations = 20
	RoleAudit      = 30
	RoleManagement = 40
	RoleAdmin      = 50
)

// ElevatedRoles bypass ownership checks.
var ElevatedRoles = []int{RoleOperations, RoleManagement, RoleAdmin}

func IsElevated(roleID int) bool {
	return roleID == RoleOperations || roleID == RoleManagement || roleID == RoleAdmin
}

func IsReadOnly(roleID int) bool {
	return roleID == RoleAudit
}

func IsKnownRole(roleID int) bool {
	switch roleID {
	case RoleSales, RoleOperations, RoleAudit, RoleManagement, RoleAdmin:
		return true
	}
	return false
}
