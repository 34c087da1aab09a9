package rbac

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role string
		perm string
		want bool
	}{
		{RoleOwner, PermMerge, true},
		{RoleAdmin, PermImport, true},
		{RoleAdmin, PermManageLinks, true},
		{RoleMember, PermReadIdentity, true},
		{RoleMember, PermMerge, false},
		{RoleMember, PermEditIdentity, false},
		{"", PermReadIdentity, false},
		{"guest", PermReadIdentity, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}
