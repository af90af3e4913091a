package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrConflict      = errors.New("auth: resource conflict")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrRoleInUse     = errors.New("auth: role is assigned to identities")
	ErrMisconfigured = errors.New("auth: misconfigured")
)

// Outcome categories reported to callers. Credential and token rejections
// never say which sub-check failed.
var (
	ErrCredentialsRejected = errors.New("auth: invalid credentials")
	ErrInvalidToken        = errors.New("auth: invalid token")
	ErrSessionSuperseded   = fmt.Errorf("%w: session superseded", ErrInvalidToken)
	ErrTooManyAttempts     = errors.New("auth: too many attempts")
)

// ErrMalformedHash is returned by Hasher.Verify when the stored value cannot be parsed.
var ErrMalformedHash = errors.New("auth: malformed hash")
