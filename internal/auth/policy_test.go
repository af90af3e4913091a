package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func claimsFor(role string, perms ...string) *Claims {
	return &Claims{
		Role:             role,
		Permissions:      perms,
		TokenType:        TokenAccess,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "01HZY0SUBJECT"},
	}
}

func TestRoleCheck(t *testing.T) {
	nurse := claimsFor(RoleNurse)

	require.True(t, RoleCheck()(nurse), "empty role set allows any authenticated identity")
	require.True(t, RoleCheck(RoleAdmin, RoleNurse)(nurse))
	require.False(t, RoleCheck(RoleAdmin, RoleDoctor)(nurse))
	require.False(t, RoleCheck("Nurse")(nurse), "role match is case-sensitive")
}

func TestPermissionCheck(t *testing.T) {
	c := claimsFor(RoleDoctor, PermViewPatients, PermCreateMedicalRecords)

	require.True(t, PermissionCheck()(c))
	require.True(t, PermissionCheck(PermCreateMedicalRecords)(c))
	require.True(t, PermissionCheck(PermManageRoles, PermViewPatients)(c), "any one permission is enough")
	require.False(t, PermissionCheck(PermManageRoles)(c))
	require.False(t, PermissionCheck(PermManageRoles)(claimsFor(RoleDoctor)))
}

func TestChecksDenyUnauthenticated(t *testing.T) {
	empty := &Claims{Role: RoleAdmin, Permissions: []string{PermManageRoles}}
	for name, check := range map[string]Check{
		"role":       RoleCheck(),
		"permission": PermissionCheck(),
		"all":        All(),
	} {
		require.False(t, check(nil), name)
		require.False(t, check(empty), name)
	}
}

func TestAllShortCircuits(t *testing.T) {
	calls := 0
	counting := func(c *Claims) bool {
		calls++
		return true
	}

	check := All(RoleCheck(RoleAdmin), counting)
	require.False(t, check(claimsFor(RoleNurse)))
	require.Zero(t, calls, "permission stage must not run after a role deny")

	require.True(t, check(claimsFor(RoleAdmin)))
	require.Equal(t, 1, calls)

	require.False(t, All(RoleCheck(), nil)(claimsFor(RoleAdmin)))
}

func TestRequirementDoctorExample(t *testing.T) {
	doctor := claimsFor(RoleDoctor, PermViewPatients, PermCreateMedicalRecords)

	write := Requirement{
		Roles:       []string{RoleAdmin, RoleDoctor},
		Permissions: []string{PermCreateMedicalRecords},
	}
	require.True(t, write.Check()(doctor))
	require.Equal(t, Decision{Allowed: true}, write.Evaluate(doctor))

	roles := Requirement{Permissions: []string{PermManageRoles}}
	require.False(t, roles.Check()(doctor))
	require.Equal(t, Decision{Reason: DenyPermission}, roles.Evaluate(doctor))
}

func TestRequirementEvaluateReasons(t *testing.T) {
	req := Requirement{Roles: []string{RoleAdmin}, Permissions: []string{PermManageUsers}}

	require.Equal(t, DenyUnauthenticated, req.Evaluate(nil).Reason)
	require.Equal(t, DenyRole, req.Evaluate(claimsFor(RoleNurse, PermManageUsers)).Reason)
	require.Equal(t, DenyPermission, req.Evaluate(claimsFor(RoleAdmin)).Reason)
	require.True(t, req.Evaluate(claimsFor(RoleAdmin, PermManageUsers)).Allowed)
}
