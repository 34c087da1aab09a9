package rbac

// Organization roles
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Permission constants
const (
	PermReadIdentity = "read_identity"
	PermImport       = "import"
	PermMerge        = "merge"
	PermEditIdentity = "edit_identity"
	PermManageLinks  = "manage_external_ids"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleOwner: {
		PermReadIdentity, PermImport, PermMerge, PermEditIdentity, PermManageLinks,
	},
	RoleAdmin: {
		PermReadIdentity, PermImport, PermMerge, PermEditIdentity, PermManageLinks,
	},
	RoleMember: {
		PermReadIdentity,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

