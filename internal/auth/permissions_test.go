package auth

import "testing"

func TestHasPermission(t *testing.T) {
	all := []Permission{
		PermFieldRead, PermFieldWrite,
		PermConfigRead, PermConfigEdit,
		PermNetworkManage, PermTokenManage, PermAuditRead,
	}
	granted := map[Role]map[Permission]bool{
		RoleViewer: {PermFieldRead: true, PermConfigRead: true},
		RoleEditor: {PermFieldRead: true, PermFieldWrite: true, PermConfigRead: true, PermConfigEdit: true},
		RoleInstaller: {
			PermFieldRead: true, PermFieldWrite: true, PermConfigRead: true, PermConfigEdit: true,
			PermNetworkManage: true, PermTokenManage: true, PermAuditRead: true,
		},
		Role("unknown"): {},
	}

	for role, want := range granted {
		for _, perm := range all {
			if got := HasPermission(role, perm); got != want[perm] {
				t.Errorf("HasPermission(%s, %s) = %v, want %v", role, perm, got, want[perm])
			}
		}
	}
}

func TestPermissionsForRole(t *testing.T) {
	if got := PermissionsForRole(Role("unknown")); got != nil {
		t.Errorf("PermissionsForRole(unknown) = %v, want nil", got)
	}

	perms := PermissionsForRole(RoleViewer)
	perms[0] = PermTokenManage
	if HasPermission(RoleViewer, PermTokenManage) {
		t.Error("PermissionsForRole returned the internal slice")
	}
}

func TestIsValidRole(t *testing.T) {
	for _, r := range ValidRoles {
		if !IsValidRole(r) {
			t.Errorf("IsValidRole(%s) = false", r)
		}
	}
	for _, r := range []Role{"", "admin", "VIEWER"} {
		if IsValidRole(r) {
			t.Errorf("IsValidRole(%q) = true", r)
		}
	}
}
