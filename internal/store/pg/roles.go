package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"medrec.org/internal/auth"
)

func (s *Store) FindRoleByID(ctx context.Context, id string) (*auth.Role, error) {
	return s.findRole(ctx, `where id = $1`, id)
}

func (s *Store) FindRoleByName(ctx context.Context, name string) (*auth.Role, error) {
	return s.findRole(ctx, `where name = $1`, name)
}

func (s *Store) findRole(ctx context.Context, where string, arg string) (*auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		role auth.Role
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, active, created_at, updated_at
		from roles
		`+where, arg).Scan(&role.ID, &role.Name, &desc, &role.Active, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	role.Description = desc.String
	return &role, nil
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.name, p.category, p.description, p.active, p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by rp.position
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func scanPermissions(rows *sql.Rows) ([]auth.Permission, error) {
	perms := []auth.Permission{}
	for rows.Next() {
		var (
			p        auth.Permission
			category sql.NullString
			desc     sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &category, &desc, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Category = category.String
		p.Description = desc.String
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *Store) CreateRole(ctx context.Context, role *auth.Role) error {
	if s.db == nil {
		return errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description, active)
		values ($1, $2, $3, $4)
		returning created_at, updated_at
	`, role.ID, role.Name, nullIfEmpty(role.Description), role.Active).Scan(&role.CreatedAt, &role.UpdatedAt)
	if isPgCode(err, pgErrUniqueViolation) {
		return fmt.Errorf("%w: role %s exists", auth.ErrConflict, role.Name)
	}
	return err
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, active, created_at, updated_at
		from roles
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []auth.Role{}
	for rows.Next() {
		var (
			role auth.Role
			desc sql.NullString
		)
		if err := rows.Scan(&role.ID, &role.Name, &desc, &role.Active, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		role.Description = desc.String
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// DeleteRole relies on the identities.role_id foreign key to refuse roles in use.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	err := s.execOne(ctx, `delete from roles where id = $1`, id)
	if isPgCode(err, pgErrForeignKeyViolation) {
		return auth.ErrRoleInUse
	}
	return err
}

// ReplaceRolePermissions deletes and reinserts the set in one transaction,
// so concurrent readers see either the old or the new set.
func (s *Store) ReplaceRolePermissions(ctx context.Context, roleID string, names []string) error {
	if s.db == nil {
		return errNoDB
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1 for update`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}

	for pos, name := range names {
		var permID string
		err := tx.QueryRowContext(ctx, `select id from permissions where name = $1`, name).Scan(&permID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: permission %s not found", auth.ErrNotFound, name)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id, position)
			values ($1, $2, $3)
		`, roleID, permID, pos); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreatePermission(ctx context.Context, perm *auth.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		insert into permissions (id, name, category, description, active)
		values ($1, $2, $3, $4, $5)
		returning created_at
	`, perm.ID, perm.Name, nullIfEmpty(perm.Category), nullIfEmpty(perm.Description), perm.Active).Scan(&perm.CreatedAt)
	if isPgCode(err, pgErrUniqueViolation) {
		return fmt.Errorf("%w: permission %s exists", auth.ErrConflict, perm.Name)
	}
	return err
}

func (s *Store) SetRoleActive(ctx context.Context, id string, active bool) error {
	return s.execOne(ctx, `update roles set active = $2, updated_at = now() where id = $1`, id, active)
}

func (s *Store) SetPermissionActive(ctx context.Context, name string, active bool) error {
	return s.execOne(ctx, `update permissions set active = $2 where name = $1`, name, active)
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, category, description, active, created_at
		from permissions
		order by category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}
