package httpapi

import (
	"net/http"

	"medrec.org/internal/audit"
	"medrec.org/internal/auth"
	"medrec.org/internal/obs"
)

// Require guards a route with a declared requirement. Missing claims answer
// 401, a failed role or permission check answers 403. Neither body says which.
func Require(req auth.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := auth.ClaimsFromContext(r.Context())
			decision := req.Evaluate(claims)
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			obs.ObserveAuthzDenial(decision.Reason)
			if decision.Reason == auth.DenyUnauthenticated {
				unauthorized(w, r, challenge)
				return
			}
			_ = audit.LogEvent(r.Context(), "authz.denied", false, map[string]string{
				"route":  obs.RoutePattern(r),
				"method": r.Method,
				"reason": decision.Reason,
			})
			w.Header().Set("WWW-Authenticate", scopeChallenge)
			writeError(w, r, http.StatusForbidden, "forbidden")
		})
	}
}

// RequireRoles allows any one of roles.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return Require(auth.Requirement{Roles: roles})
}

// RequirePermissions allows any one of perms.
func RequirePermissions(perms ...string) func(http.Handler) http.Handler {
	return Require(auth.Requirement{Permissions: perms})
}
