package auth

import "strings"

// Check is a pure authorization predicate over request claims.
// Nil or malformed claims must always yield false.
type Check func(c *Claims) bool

func authenticated(c *Claims) bool {
	return c != nil && strings.TrimSpace(c.Subject) != ""
}

// RoleCheck allows when roles is empty or the claims' role equals one of them exactly.
func RoleCheck(roles ...string) Check {
	required := dedupeStrings(roles)
	return func(c *Claims) bool {
		if !authenticated(c) {
			return false
		}
		if len(required) == 0 {
			return true
		}
		for _, r := range required {
			if c.Role == r {
				return true
			}
		}
		return false
	}
}

// PermissionCheck allows when perms is empty or the claims hold any one of them.
func PermissionCheck(perms ...string) Check {
	required := dedupeStrings(perms)
	return func(c *Claims) bool {
		if !authenticated(c) {
			return false
		}
		if len(required) == 0 {
			return true
		}
		for _, p := range required {
			if c.HasPermission(p) {
				return true
			}
		}
		return false
	}
}

// All is a strict AND evaluated left to right; it stops at the first deny.
func All(checks ...Check) Check {
	return func(c *Claims) bool {
		if !authenticated(c) {
			return false
		}
		for _, check := range checks {
			if check == nil || !check(c) {
				return false
			}
		}
		return true
	}
}

// Deny reasons reported by Requirement.Evaluate.
const (
	DenyUnauthenticated = "unauthenticated"
	DenyRole            = "role"
	DenyPermission      = "permission"
)

// Requirement is what a route declares: roles and permissions, both optional.
type Requirement struct {
	Roles       []string
	Permissions []string
}

// Decision is the outcome of evaluating a Requirement.
type Decision struct {
	Allowed bool
	Reason  string
}

// Check composes the role check and the permission check, role first.
func (r Requirement) Check() Check {
	return All(RoleCheck(r.Roles...), PermissionCheck(r.Permissions...))
}

// Evaluate is Check with the failing stage reported.
func (r Requirement) Evaluate(c *Claims) Decision {
	if !authenticated(c) {
		return Decision{Reason: DenyUnauthenticated}
	}
	if !RoleCheck(r.Roles...)(c) {
		return Decision{Reason: DenyRole}
	}
	if !PermissionCheck(r.Permissions...)(c) {
		return Decision{Reason: DenyPermission}
	}
	return Decision{Allowed: true}
}
