package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medrec.org/internal/ids"
)

// RBACService administers roles and the permission catalogue.
type RBACService struct {
	store RoleStore
	now   func() time.Time
}

func NewRBACService(store RoleStore) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("role store is required")
	}
	return &RBACService{store: store, now: time.Now}, nil
}

func (s *RBACService) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	role := Role{
		ID:          ids.NewAt(now),
		Name:        name,
		Description: strings.TrimSpace(description),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRole(ctx, &role); err != nil {
		return Role{}, err
	}
	return role, nil
}

func (s *RBACService) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole returns the role with its permissions in assignment order.
func (s *RBACService) GetRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := s.store.FindRoleByID(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	perms, err := s.store.RolePermissions(ctx, role.ID)
	if err != nil {
		return Role{}, err
	}
	role.Permissions = perms
	return *role, nil
}

func (s *RBACService) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.DeleteRole(ctx, roleID)
}

// SetRolePermissions replaces the role's whole permission set.
func (s *RBACService) SetRolePermissions(ctx context.Context, roleID string, permissions []string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	names := dedupeStrings(permissions)
	if names == nil {
		names = []string{}
	}
	return s.store.ReplaceRolePermissions(ctx, roleID, names)
}

// SetRoleActive toggles a role. The admin role stays active so the
// catalogue can always be managed.
func (s *RBACService) SetRoleActive(ctx context.Context, roleID string, active bool) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if !active {
		role, err := s.store.FindRoleByID(ctx, roleID)
		if err != nil {
			return err
		}
		if role.Name == RoleAdmin {
			return fmt.Errorf("%w: the %s role cannot be deactivated", ErrInvalidInput, RoleAdmin)
		}
	}
	return s.store.SetRoleActive(ctx, roleID, active)
}

// SetPermissionActive toggles a permission. manage_roles stays active.
func (s *RBACService) SetPermissionActive(ctx context.Context, name string, active bool) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}
	if !active && name == PermManageRoles {
		return fmt.Errorf("%w: %s cannot be deactivated", ErrInvalidInput, PermManageRoles)
	}
	return s.store.SetPermissionActive(ctx, name, active)
}

func (s *RBACService) CreatePermission(ctx context.Context, name, category, description string) (Permission, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Permission{}, fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}
	if strings.ContainsAny(name, " \t\n") {
		return Permission{}, fmt.Errorf("%w: permission name must not contain whitespace", ErrInvalidInput)
	}
	now := s.now().UTC()
	perm := Permission{
		ID:          ids.NewAt(now),
		Name:        name,
		Category:    strings.TrimSpace(category),
		Description: strings.TrimSpace(description),
		Active:      true,
		CreatedAt:   now,
	}
	if err := s.store.CreatePermission(ctx, &perm); err != nil {
		return Permission{}, err
	}
	return perm, nil
}

func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// EnsureBuiltins seeds the clinic catalogue. Existing roles keep their
// current permissions.
func (s *RBACService) EnsureBuiltins(ctx context.Context) error {
	for _, p := range BuiltinPermissions {
		if _, err := s.CreatePermission(ctx, p.Name, p.Category, p.Description); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("seed permission %s: %w", p.Name, err)
		}
	}
	for _, r := range BuiltinRoles {
		_, err := s.store.FindRoleByName(ctx, r.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("lookup role %s: %w", r.Name, err)
		}
		role, err := s.CreateRole(ctx, r.Name, r.Description)
		if err != nil {
			return fmt.Errorf("seed role %s: %w", r.Name, err)
		}
		if err := s.SetRolePermissions(ctx, role.ID, r.Permissions); err != nil {
			return fmt.Errorf("seed role %s permissions: %w", r.Name, err)
		}
	}
	return nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
