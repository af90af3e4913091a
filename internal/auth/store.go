package auth

import (
	"context"
	"time"
)

// IdentityStore is the credential store adapter. Lookups of missing rows
// return ErrNotFound.
type IdentityStore interface {
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	FindByID(ctx context.Context, id string) (*Identity, error)
	Create(ctx context.Context, identity *Identity) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	// UpdateRefreshHash overwrites the stored session; nil clears it.
	UpdateRefreshHash(ctx context.Context, id string, hash *string) error
	TouchLastAuthenticated(ctx context.Context, id string, at time.Time) error
	SetActive(ctx context.Context, id string, active bool) error
}

// RoleStore manages roles, the permission catalogue and their links.
type RoleStore interface {
	FindRoleByID(ctx context.Context, id string) (*Role, error)
	FindRoleByName(ctx context.Context, name string) (*Role, error)
	// RolePermissions returns the role's permissions in assignment order.
	RolePermissions(ctx context.Context, roleID string) ([]Permission, error)
	CreateRole(ctx context.Context, role *Role) error
	ListRoles(ctx context.Context) ([]Role, error)
	// DeleteRole fails with ErrRoleInUse while identities reference the role.
	DeleteRole(ctx context.Context, id string) error
	// ReplaceRolePermissions swaps the whole permission set atomically.
	ReplaceRolePermissions(ctx context.Context, roleID string, permissionNames []string) error
	CreatePermission(ctx context.Context, perm *Permission) error
	ListPermissions(ctx context.Context) ([]Permission, error)
	// SetRoleActive toggles a role. An inactive role grants no permissions.
	SetRoleActive(ctx context.Context, id string, active bool) error
	// SetPermissionActive toggles a catalogue entry by name. Inactive
	// permissions are left out of new tokens.
	SetPermissionActive(ctx context.Context, name string, active bool) error
}
