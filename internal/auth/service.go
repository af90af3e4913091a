package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medrec.org/internal/ids"
)

const (
	minPasswordLength = 8
	dummySecret       = "medrec-timing-equalizer"
)

// Service runs the credential flows: login, refresh, logout and account changes.
type Service struct {
	identities  IdentityStore
	roles       RoleStore
	tokens      *TokenIssuer
	hasher      Hasher
	sessions    *SessionRotator
	limiter     LoginLimiter
	log         zerolog.Logger
	now         func() time.Time
	defaultRole string
	dummyHash   string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithHasher replaces the default argon2id hasher.
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

// WithLimiter enables login lockout.
func WithLimiter(l LoginLimiter) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.limiter = l
		}
		return nil
	}
}

// WithLogger sets the logger used for warnings the caller never sees.
func WithLogger(log zerolog.Logger) ServiceOption {
	return func(s *Service) error {
		s.log = log
		return nil
	}
}

// WithDefaultRole names the role given to registrations that omit one.
func WithDefaultRole(name string) ServiceOption {
	return func(s *Service) error {
		s.defaultRole = strings.TrimSpace(name)
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(identities IdentityStore, roles RoleStore, tokens *TokenIssuer, opts ...ServiceOption) (*Service, error) {
	if identities == nil || roles == nil {
		return nil, errors.New("auth: identity and role stores are required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: token issuer is required", ErrMisconfigured)
	}
	svc := &Service{
		identities: identities,
		roles:      roles,
		tokens:     tokens,
		limiter:    noopLimiter{},
		log:        zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.hasher == nil {
		svc.hasher = NewArgon2Hasher(DefaultArgon2Params())
	}
	dummy, err := svc.hasher.Hash(dummySecret)
	if err != nil {
		return nil, fmt.Errorf("auth: prepare dummy hash: %w", err)
	}
	svc.dummyHash = dummy
	svc.sessions = NewSessionRotator(identities, svc.hasher, svc.log)
	return svc, nil
}

// Tokens exposes the issuer so transports can build validators.
func (s *Service) Tokens() *TokenIssuer { return s.tokens }

// Sessions exposes the session rotator.
func (s *Service) Sessions() *SessionRotator { return s.sessions }

// LockoutError is returned while a handle is locked out.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string { return ErrTooManyAttempts.Error() }

func (e *LockoutError) Unwrap() error { return ErrTooManyAttempts }

// Login verifies credentials and starts a new session. Every credential
// failure is ErrCredentialsRejected.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, Identity, error) {
	key := normalizeEmail(email)
	if key == "" || password == "" {
		return TokenPair{}, Identity{}, ErrCredentialsRejected
	}

	allowed, wait, err := s.limiter.Allow(ctx, key)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Msg("login_limiter_unavailable")
	case !allowed:
		return TokenPair{}, Identity{}, &LockoutError{RetryAfter: wait}
	}

	identity, err := s.identities.FindByEmail(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return TokenPair{}, Identity{}, fmt.Errorf("find identity: %w", err)
		}
		// unknown handles pay the same hashing cost as known ones
		_, _ = s.hasher.Verify(s.dummyHash, password)
		s.recordFailure(ctx, key)
		return TokenPair{}, Identity{}, ErrCredentialsRejected
	}

	if !s.verifySecret(identity, password) || !identity.Active {
		s.recordFailure(ctx, key)
		return TokenPair{}, Identity{}, ErrCredentialsRejected
	}

	pair, err := s.startSession(ctx, identity)
	if err != nil {
		return TokenPair{}, Identity{}, err
	}
	if err := s.limiter.Success(ctx, key); err != nil {
		s.log.Warn().Err(err).Msg("login_limiter_reset_failed")
	}
	return pair, *identity, nil
}

// RefreshToken validates a raw refresh token and rotates the session.
func (s *Service) RefreshToken(ctx context.Context, raw string) (TokenPair, error) {
	claims, err := s.tokens.Refresh().Validate(raw)
	if err != nil {
		return TokenPair{}, err
	}
	return s.Refresh(ctx, claims, raw)
}

// Refresh rotates the session of an already validated refresh token. A token
// that is not the identity's newest one fails with ErrSessionSuperseded.
func (s *Service) Refresh(ctx context.Context, claims *Claims, raw string) (TokenPair, error) {
	if claims == nil || strings.TrimSpace(claims.Subject) == "" || claims.TokenType != TokenRefresh {
		return TokenPair{}, &TokenError{Reason: ReasonClaims}
	}
	if !s.sessions.VerifyPresented(ctx, claims.Subject, raw) {
		return TokenPair{}, ErrSessionSuperseded
	}
	identity, err := s.identities.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, fmt.Errorf("find identity: %w", err)
	}
	if !identity.Active {
		return TokenPair{}, ErrInvalidToken
	}
	return s.startSession(ctx, identity)
}

// Logout revokes the identity's refresh session. Access tokens already
// issued stay valid until they expire.
func (s *Service) Logout(ctx context.Context, identityID string) error {
	return s.sessions.Revoke(ctx, identityID)
}

// RegisterInput describes a new identity.
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
	Role        string
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (Identity, error) {
	email := normalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if len(in.Password) < minPasswordLength {
		return Identity{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	roleName := strings.TrimSpace(in.Role)
	if roleName == "" {
		roleName = s.defaultRole
	}
	if roleName == "" {
		return Identity{}, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	role, err := s.roles.FindRoleByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, fmt.Errorf("%w: unknown role %s", ErrInvalidInput, roleName)
		}
		return Identity{}, err
	}
	if !role.Active {
		return Identity{}, fmt.Errorf("%w: role %s is inactive", ErrInvalidInput, roleName)
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return Identity{}, err
	}
	now := s.now().UTC()
	identity := Identity{
		ID:           ids.NewAt(now),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		RoleID:       role.ID,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.identities.Create(ctx, &identity); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// ChangePassword replaces the secret and ends the current session.
func (s *Service) ChangePassword(ctx context.Context, identityID, current, next string) error {
	if len(next) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	identity, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrCredentialsRejected
		}
		return err
	}
	if !s.verifySecret(identity, current) {
		return ErrCredentialsRejected
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.identities.UpdatePasswordHash(ctx, identity.ID, hash); err != nil {
		return err
	}
	return s.sessions.Revoke(ctx, identity.ID)
}

// SetActive toggles the identity. Deactivation also revokes its session.
func (s *Service) SetActive(ctx context.Context, identityID string, active bool) error {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if err := s.identities.SetActive(ctx, identityID, active); err != nil {
		return err
	}
	if active {
		return nil
	}
	return s.sessions.Revoke(ctx, identityID)
}

// EnsureActive is the live status check for routes that must not trust a
// token issued before a deactivation.
func (s *Service) EnsureActive(ctx context.Context, claims *Claims) error {
	if claims == nil || strings.TrimSpace(claims.Subject) == "" {
		return ErrInvalidToken
	}
	identity, err := s.identities.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if !identity.Active {
		return ErrInvalidToken
	}
	return nil
}

// Identity loads an identity by id.
func (s *Service) Identity(ctx context.Context, identityID string) (Identity, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return Identity{}, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	identity, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		return Identity{}, err
	}
	return *identity, nil
}

// startSession mints a pair from the live role graph and makes its refresh
// token the only valid one.
func (s *Service) startSession(ctx context.Context, identity *Identity) (TokenPair, error) {
	sub, err := s.subject(ctx, identity)
	if err != nil {
		return TokenPair{}, err
	}
	pair, err := s.tokens.IssueTokenPair(sub)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.sessions.Rotate(ctx, identity.ID, pair.RefreshToken); err != nil {
		return TokenPair{}, err
	}
	now := s.now().UTC()
	if err := s.identities.TouchLastAuthenticated(ctx, identity.ID, now); err != nil {
		s.log.Warn().Err(err).Str("identity_id", identity.ID).Msg("touch_last_authenticated_failed")
	} else {
		identity.LastAuthenticatedAt = &now
	}
	return pair, nil
}

func (s *Service) subject(ctx context.Context, identity *Identity) (Subject, error) {
	role, err := s.roles.FindRoleByID(ctx, identity.RoleID)
	if err != nil {
		return Subject{}, fmt.Errorf("resolve role %s: %w", identity.RoleID, err)
	}
	perms, err := s.roles.RolePermissions(ctx, role.ID)
	if err != nil {
		return Subject{}, fmt.Errorf("resolve permissions: %w", err)
	}
	return Subject{
		ID:          identity.ID,
		Email:       identity.Email,
		Role:        role.Name,
		Permissions: activePermissionNames(role, perms),
	}, nil
}

func (s *Service) verifySecret(identity *Identity, candidate string) bool {
	ok, err := s.hasher.Verify(identity.PasswordHash, candidate)
	if err != nil {
		s.log.Warn().Err(err).Str("identity_id", identity.ID).Msg("password_hash_malformed")
		return false
	}
	return ok
}

func (s *Service) recordFailure(ctx context.Context, key string) {
	if err := s.limiter.Failure(ctx, key); err != nil {
		s.log.Warn().Err(err).Msg("login_limiter_record_failed")
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
