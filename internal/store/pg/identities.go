package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"medrec.org/internal/auth"
)

const identityColumns = `id, email, password_hash, display_name, role_id, active,
		last_authenticated_at, refresh_token_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*auth.Identity, error) {
	var (
		identity    auth.Identity
		displayName sql.NullString
		lastAuth    sql.NullTime
		refreshHash sql.NullString
	)
	err := row.Scan(
		&identity.ID,
		&identity.Email,
		&identity.PasswordHash,
		&displayName,
		&identity.RoleID,
		&identity.Active,
		&lastAuth,
		&refreshHash,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	identity.DisplayName = displayName.String
	if lastAuth.Valid {
		t := lastAuth.Time.UTC()
		identity.LastAuthenticatedAt = &t
	}
	if refreshHash.Valid {
		identity.Session = auth.RestoreSession(refreshHash.String)
	}
	return &identity, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+identityColumns+`
		from identities
		where email = $1
	`, strings.ToLower(strings.TrimSpace(email)))
	return scanIdentity(row)
}

func (s *Store) FindByID(ctx context.Context, id string) (*auth.Identity, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+identityColumns+`
		from identities
		where id = $1
	`, id)
	return scanIdentity(row)
}

func (s *Store) Create(ctx context.Context, identity *auth.Identity) error {
	if s.db == nil {
		return errNoDB
	}
	if identity == nil || identity.ID == "" {
		return fmt.Errorf("%w: identity id is required", auth.ErrInvalidInput)
	}
	err := s.db.QueryRowContext(ctx, `
		insert into identities (id, email, password_hash, display_name, role_id, active)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`,
		identity.ID,
		strings.ToLower(strings.TrimSpace(identity.Email)),
		identity.PasswordHash,
		nullIfEmpty(identity.DisplayName),
		identity.RoleID,
		identity.Active,
	).Scan(&identity.CreatedAt, &identity.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case isPgCode(err, pgErrUniqueViolation):
		return fmt.Errorf("%w: email already registered", auth.ErrConflict)
	case isPgCode(err, pgErrForeignKeyViolation):
		return fmt.Errorf("%w: unknown role", auth.ErrInvalidInput)
	default:
		return err
	}
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return s.execOne(ctx, `
		update identities
		set password_hash = $2, updated_at = now()
		where id = $1
	`, id, hash)
}

// UpdateRefreshHash is the only write to refresh_token_hash.
func (s *Store) UpdateRefreshHash(ctx context.Context, id string, hash *string) error {
	var value sql.NullString
	if hash != nil {
		value = sql.NullString{String: *hash, Valid: true}
	}
	return s.execOne(ctx, `
		update identities
		set refresh_token_hash = $2, updated_at = now()
		where id = $1
	`, id, value)
}

func (s *Store) TouchLastAuthenticated(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `
		update identities
		set last_authenticated_at = $2
		where id = $1
	`, id, at.UTC())
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.execOne(ctx, `
		update identities
		set active = $2, updated_at = now()
		where id = $1
	`, id, active)
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
