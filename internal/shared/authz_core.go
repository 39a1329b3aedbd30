package shared

// RBAC administration permissions.
const (
	PermRolesRead   = "roles:read"
	PermRolesManage = "roles:manage"

	PermPermissionsRead   = "permissions:read"
	PermPermissionsManage = "permissions:manage"

	PermModulesManage = "modules:manage"

	PermUsersRead       = "users:read"
	PermUserRolesManage = "user_roles:manage"

	PermAuditRead = "audit:read"
)

// CoreScopes lists all permissions related to RBAC administration.
func CoreScopes() []string {
	return []string{
		PermRolesRead,
		PermRolesManage,
		PermPermissionsRead,
		PermPermissionsManage,
		PermModulesManage,
		PermUsersRead,
		PermUserRolesManage,
		PermAuditRead,
	}
}
