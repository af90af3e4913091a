package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "medrec"

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// Claims is the signed authorization context carried by every token.
type Claims struct {
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
	TokenType   TokenKind `json:"token_type"`
	jwt.RegisteredClaims
}

// HasPermission reports whether the claims list the permission.
func (c *Claims) HasPermission(name string) bool {
	if c == nil {
		return false
	}
	for _, p := range c.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// TokenConfig holds the signing material for both token kinds.
type TokenConfig struct {
	AccessSecret  string
	AccessTTL     time.Duration
	RefreshSecret string
	RefreshTTL    time.Duration
	Issuer        string
}

// IssuerOption configures TokenIssuer behavior.
type IssuerOption func(*TokenIssuer)

// WithIssuerClock overrides the time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *TokenIssuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// TokenIssuer mints token pairs and hands out the matching validators.
type TokenIssuer struct {
	access  *TokenValidator
	refresh *TokenValidator
	issuer  string
	now     func() time.Time
}

// NewTokenIssuer validates cfg. Missing or shared secrets are fatal.
func NewTokenIssuer(cfg TokenConfig, opts ...IssuerOption) (*TokenIssuer, error) {
	accessSecret := strings.TrimSpace(cfg.AccessSecret)
	refreshSecret := strings.TrimSpace(cfg.RefreshSecret)
	switch {
	case accessSecret == "":
		return nil, fmt.Errorf("%w: access token secret is not configured", ErrMisconfigured)
	case refreshSecret == "":
		return nil, fmt.Errorf("%w: refresh token secret is not configured", ErrMisconfigured)
	case accessSecret == refreshSecret:
		return nil, fmt.Errorf("%w: access and refresh secrets must differ", ErrMisconfigured)
	case cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0:
		return nil, fmt.Errorf("%w: token ttl must be greater than zero", ErrMisconfigured)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}

	i := &TokenIssuer{issuer: issuer, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	i.access = &TokenValidator{kind: TokenAccess, secret: []byte(accessSecret), ttl: cfg.AccessTTL, issuer: issuer, now: i.now}
	i.refresh = &TokenValidator{kind: TokenRefresh, secret: []byte(refreshSecret), ttl: cfg.RefreshTTL, issuer: issuer, now: i.now}
	return i, nil
}

// Access returns the validator for access tokens.
func (i *TokenIssuer) Access() *TokenValidator { return i.access }

// Refresh returns the validator for refresh tokens.
func (i *TokenIssuer) Refresh() *TokenValidator { return i.refresh }

// IssueTokenPair signs the same subject twice, once per token kind.
func (i *TokenIssuer) IssueTokenPair(sub Subject) (TokenPair, error) {
	if strings.TrimSpace(sub.ID) == "" {
		return TokenPair{}, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	now := i.now().UTC()
	access, accessExp, err := i.access.sign(sub, now)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := i.refresh.sign(sub, now)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// TokenValidator verifies one kind of token against its own secret.
type TokenValidator struct {
	kind   TokenKind
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// Kind reports which token type the validator accepts.
func (v *TokenValidator) Kind() TokenKind { return v.kind }

func (v *TokenValidator) sign(sub Subject, now time.Time) (string, time.Time, error) {
	exp := now.Add(v.ttl)
	perms := sub.Permissions
	if perms == nil {
		perms = []string{}
	}
	claims := Claims{
		Email:       sub.Email,
		Role:        sub.Role,
		Permissions: perms,
		TokenType:   v.kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   sub.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", v.kind, err)
	}
	return signed, exp, nil
}

// Validate parses token and returns its claims. Every failure is a
// *TokenError that matches ErrInvalidToken.
func (v *TokenValidator) Validate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &TokenError{Reason: ReasonMalformed}
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, &TokenError{Reason: classify(err)}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, &TokenError{Reason: ReasonClaims}
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.TokenType != v.kind || claims.IssuedAt == nil {
		return nil, &TokenError{Reason: ReasonClaims}
	}
	return claims, nil
}

// Rejection reasons, used for metrics and logs only.
const (
	ReasonMalformed  = "malformed"
	ReasonExpired    = "expired"
	ReasonSignature  = "signature"
	ReasonClaims     = "claims"
	ReasonSuperseded = "superseded"
)

// TokenError is a token rejection. Callers see ErrInvalidToken.
type TokenError struct {
	Reason string
}

func (e *TokenError) Error() string { return ErrInvalidToken.Error() }

func (e *TokenError) Unwrap() error { return ErrInvalidToken }

// RejectionReason extracts the reason behind a token rejection, or "".
func RejectionReason(err error) string {
	if errors.Is(err, ErrSessionSuperseded) {
		return ReasonSuperseded
	}
	var te *TokenError
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}

func classify(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonMalformed
	default:
		return ReasonClaims
	}
}
