package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// SessionRotator owns the single-active-session state of identities.
type SessionRotator struct {
	store  IdentityStore
	hasher Hasher
	log    zerolog.Logger
}

// NewSessionRotator wires the rotator to its store and hasher.
func NewSessionRotator(store IdentityStore, hasher Hasher, log zerolog.Logger) *SessionRotator {
	return &SessionRotator{store: store, hasher: hasher, log: log}
}

// Rotate makes refreshToken the only valid refresh token of the identity.
func (r *SessionRotator) Rotate(ctx context.Context, identityID, refreshToken string) error {
	if strings.TrimSpace(identityID) == "" || refreshToken == "" {
		return fmt.Errorf("%w: identity id and refresh token are required", ErrInvalidInput)
	}
	hash, err := r.hasher.Hash(refreshToken)
	if err != nil {
		return fmt.Errorf("hash refresh token: %w", err)
	}
	if err := r.store.UpdateRefreshHash(ctx, identityID, &hash); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// VerifyPresented reports whether presented is the identity's current refresh token.
// It never fails: any lookup or parse problem is a negative answer.
func (r *SessionRotator) VerifyPresented(ctx context.Context, identityID, presented string) bool {
	if strings.TrimSpace(identityID) == "" || presented == "" {
		return false
	}
	identity, err := r.store.FindByID(ctx, identityID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.log.Error().Err(err).Str("identity_id", identityID).Msg("session_lookup_failed")
		}
		return false
	}
	if !identity.Session.Active() {
		return false
	}
	ok, err := r.hasher.Verify(identity.Session.Hash(), presented)
	if err != nil {
		r.log.Warn().Err(err).Str("identity_id", identityID).Msg("session_hash_malformed")
		return false
	}
	return ok
}

// Revoke clears the session so no outstanding refresh token verifies.
func (r *SessionRotator) Revoke(ctx context.Context, identityID string) error {
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if err := r.store.UpdateRefreshHash(ctx, identityID, nil); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
