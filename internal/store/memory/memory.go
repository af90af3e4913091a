// Package memory keeps identities and roles in process memory. It backs
// single-node development setups and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"medrec.org/internal/auth"
)

// Store implements auth.IdentityStore and auth.RoleStore.
type Store struct {
	mu sync.RWMutex

	identities map[string]auth.Identity
	byEmail    map[string]string

	roles      map[string]auth.Role
	roleByName map[string]string

	perms      map[string]auth.Permission
	permByName map[string]string

	// role id -> permission ids in assignment order
	rolePerms map[string][]string

	now func() time.Time
}

var (
	_ auth.IdentityStore = (*Store)(nil)
	_ auth.RoleStore     = (*Store)(nil)
)

func New() *Store {
	return &Store{
		identities: make(map[string]auth.Identity),
		byEmail:    make(map[string]string),
		roles:      make(map[string]auth.Role),
		roleByName: make(map[string]string),
		perms:      make(map[string]auth.Permission),
		permByName: make(map[string]string),
		rolePerms:  make(map[string][]string),
		now:        time.Now,
	}
}

func copyIdentity(in auth.Identity) *auth.Identity {
	out := in
	if in.LastAuthenticatedAt != nil {
		t := *in.LastAuthenticatedAt
		out.LastAuthenticatedAt = &t
	}
	return &out
}

func (s *Store) FindByEmail(_ context.Context, email string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyIdentity(s.identities[id]), nil
}

func (s *Store) FindByID(_ context.Context, id string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return copyIdentity(identity), nil
}

func (s *Store) Create(_ context.Context, identity *auth.Identity) error {
	if identity == nil || identity.ID == "" {
		return fmt.Errorf("%w: identity id is required", auth.ErrInvalidInput)
	}
	email := strings.ToLower(strings.TrimSpace(identity.Email))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identity.ID]; ok {
		return auth.ErrConflict
	}
	if _, ok := s.byEmail[email]; ok {
		return fmt.Errorf("%w: email already registered", auth.ErrConflict)
	}
	if _, ok := s.roles[identity.RoleID]; !ok {
		return fmt.Errorf("%w: unknown role", auth.ErrInvalidInput)
	}
	stored := *copyIdentity(*identity)
	stored.Email = email
	now := s.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	s.identities[stored.ID] = stored
	s.byEmail[email] = stored.ID
	return nil
}

// update applies fn to a stored identity under the write lock.
func (s *Store) update(id string, fn func(*auth.Identity)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(&identity)
	identity.UpdatedAt = s.now().UTC()
	s.identities[id] = identity
	return nil
}

func (s *Store) UpdatePasswordHash(_ context.Context, id, hash string) error {
	return s.update(id, func(i *auth.Identity) { i.PasswordHash = hash })
}

func (s *Store) UpdateRefreshHash(_ context.Context, id string, hash *string) error {
	return s.update(id, func(i *auth.Identity) {
		if hash == nil {
			i.Session = auth.Session{}
			return
		}
		i.Session = auth.RestoreSession(*hash)
	})
}

func (s *Store) TouchLastAuthenticated(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(i *auth.Identity) {
		t := at.UTC()
		i.LastAuthenticatedAt = &t
	})
}

func (s *Store) SetActive(_ context.Context, id string, active bool) error {
	return s.update(id, func(i *auth.Identity) { i.Active = active })
}

func (s *Store) FindRoleByID(_ context.Context, id string) (*auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &role, nil
}

func (s *Store) FindRoleByName(_ context.Context, name string) (*auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.roleByName[name]
	if !ok {
		return nil, auth.ErrNotFound
	}
	role := s.roles[id]
	return &role, nil
}

func (s *Store) RolePermissions(_ context.Context, roleID string) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.roles[roleID]; !ok {
		return nil, auth.ErrNotFound
	}
	ids := s.rolePerms[roleID]
	out := make([]auth.Permission, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.perms[id])
	}
	return out, nil
}

func (s *Store) CreateRole(_ context.Context, role *auth.Role) error {
	if role == nil || role.ID == "" || role.Name == "" {
		return fmt.Errorf("%w: role id and name are required", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roleByName[role.Name]; ok {
		return fmt.Errorf("%w: role %s exists", auth.ErrConflict, role.Name)
	}
	stored := *role
	stored.Permissions = nil
	s.roles[stored.ID] = stored
	s.roleByName[stored.Name] = stored.ID
	return nil
}

func (s *Store) ListRoles(_ context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return auth.ErrNotFound
	}
	for _, identity := range s.identities {
		if identity.RoleID == id {
			return auth.ErrRoleInUse
		}
	}
	delete(s.roles, id)
	delete(s.roleByName, role.Name)
	delete(s.rolePerms, id)
	return nil
}

// ReplaceRolePermissions resolves every name before swapping, so a failed
// call leaves the previous set untouched.
func (s *Store) ReplaceRolePermissions(_ context.Context, roleID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	next := make([]string, 0, len(names))
	for _, name := range names {
		id, ok := s.permByName[name]
		if !ok {
			return fmt.Errorf("%w: permission %s", auth.ErrNotFound, name)
		}
		next = append(next, id)
	}
	s.rolePerms[roleID] = next
	role := s.roles[roleID]
	role.UpdatedAt = s.now().UTC()
	s.roles[roleID] = role
	return nil
}

func (s *Store) CreatePermission(_ context.Context, perm *auth.Permission) error {
	if perm == nil || perm.ID == "" || perm.Name == "" {
		return fmt.Errorf("%w: permission id and name are required", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permByName[perm.Name]; ok {
		return fmt.Errorf("%w: permission %s exists", auth.ErrConflict, perm.Name)
	}
	s.perms[perm.ID] = *perm
	s.permByName[perm.Name] = perm.ID
	return nil
}

func (s *Store) ListPermissions(_ context.Context) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) SetRoleActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return auth.ErrNotFound
	}
	role.Active = active
	s.roles[id] = role
	return nil
}

func (s *Store) SetPermissionActive(_ context.Context, name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.permByName[name]
	if !ok {
		return auth.ErrNotFound
	}
	perm := s.perms[id]
	perm.Active = active
	s.perms[id] = perm
	return nil
}
