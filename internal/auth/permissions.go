package auth

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermFieldRead     Permission = "field:read"
	PermFieldWrite    Permission = "field:write"
	PermConfigRead    Permission = "config:read"
	PermConfigEdit    Permission = "config:edit"
	PermNetworkManage Permission = "network:manage"
	PermTokenManage   Permission = "token:manage"
	PermAuditRead     Permission = "audit:read"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermFieldRead,
		PermConfigRead,
	},
	RoleEditor: {
		PermFieldRead,
		PermFieldWrite,
		PermConfigRead,
		PermConfigEdit,
	},
	RoleInstaller: {
		PermFieldRead,
		PermFieldWrite,
		PermConfigRead,
		PermConfigEdit,
		PermNetworkManage,
		PermTokenManage,
		PermAuditRead,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
