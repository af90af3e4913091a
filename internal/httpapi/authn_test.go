package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"medrec.org/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestWithClaims(claims *auth.Claims) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	if claims != nil {
		req = req.WithContext(auth.ContextWithClaims(req.Context(), claims))
	}
	return req
}

func doctorClaims() *auth.Claims {
	return &auth.Claims{
		Role:        auth.RoleDoctor,
		Permissions: []string{auth.PermViewPatients, auth.PermCreateMedicalRecords},
		TokenType:   auth.TokenAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "user-1",
		},
	}
}

func TestRequireRolesAllowsMatchingRole(t *testing.T) {
	rr := httptest.NewRecorder()
	RequireRoles(auth.RoleDoctor, auth.RoleNurse)(okHandler()).ServeHTTP(rr, requestWithClaims(doctorClaims()))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRolesRejectsMissingRole(t *testing.T) {
	rr := httptest.NewRecorder()
	RequireRoles(auth.RoleAdmin)(okHandler()).ServeHTTP(rr, requestWithClaims(doctorClaims()))

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestRequireRolesRejectsMissingClaims(t *testing.T) {
	rr := httptest.NewRecorder()
	RequireRoles(auth.RoleAdmin)(okHandler()).ServeHTTP(rr, requestWithClaims(nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestRequirePermissionsIsAnyOf(t *testing.T) {
	rr := httptest.NewRecorder()
	RequirePermissions(auth.PermManageUsers, auth.PermViewPatients)(okHandler()).ServeHTTP(rr, requestWithClaims(doctorClaims()))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	RequirePermissions(auth.PermManageUsers)(okHandler()).ServeHTTP(rr, requestWithClaims(doctorClaims()))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRequireDenialsLookAlike(t *testing.T) {
	roleDenied := httptest.NewRecorder()
	Require(auth.Requirement{Roles: []string{auth.RoleAdmin}})(okHandler()).ServeHTTP(roleDenied, requestWithClaims(doctorClaims()))

	permDenied := httptest.NewRecorder()
	Require(auth.Requirement{
		Roles:       []string{auth.RoleDoctor},
		Permissions: []string{auth.PermManageRoles},
	})(okHandler()).ServeHTTP(permDenied, requestWithClaims(doctorClaims()))

	if roleDenied.Code != permDenied.Code || roleDenied.Body.String() != permDenied.Body.String() {
		t.Fatalf("denials differ: %d %q vs %d %q",
			roleDenied.Code, roleDenied.Body.String(), permDenied.Code, permDenied.Body.String())
	}
}

func TestRequireRejectsSubjectlessClaims(t *testing.T) {
	claims := doctorClaims()
	claims.Subject = ""
	rr := httptest.NewRecorder()
	RequireRoles()(okHandler()).ServeHTTP(rr, requestWithClaims(claims))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
