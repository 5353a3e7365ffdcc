package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer edit", role: RoleViewer, action: ActionEdit, allow: false},
		{name: "technician edit", role: RoleTechnician, action: ActionEdit, allow: true},
		{name: "technician remove mandate", role: RoleTechnician, action: ActionRemoveMandate, allow: false},
		{name: "technician minutes", role: RoleTechnician, action: ActionManageMinutes, allow: false},
		{name: "surveyor minutes", role: RoleSurveyor, action: ActionManageMinutes, allow: true},
		{name: "surveyor remove mandate", role: RoleSurveyor, action: ActionRemoveMandate, allow: true},
		{name: "surveyor admin", role: RoleSurveyor, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown role", role: Role("stagiaire"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]Role{
		"admin":        RoleAdmin,
		" Arpenteur ":  RoleSurveyor,
		"technicien":   RoleTechnician,
		"":             RoleViewer,
		"comptabilite": RoleViewer,
	}
	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}
