package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"medrec.org/internal/auth"
)

// writeServiceError maps auth outcomes onto HTTP. Unknown causes are logged
// and answered with a bare 500.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var lockout *auth.LockoutError
	switch {
	case errors.Is(err, auth.ErrCredentialsRejected):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		unauthorized(w, r, invalidTokenChallenge)
	case errors.As(err, &lockout):
		setRetryAfter(w, lockout.RetryAfter)
		writeError(w, r, http.StatusTooManyRequests, "too many attempts")
	case errors.Is(err, auth.ErrTooManyAttempts):
		setRetryAfter(w, 0)
		writeError(w, r, http.StatusTooManyRequests, "too many attempts")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, publicMessage(err))
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrRoleInUse):
		writeError(w, r, http.StatusConflict, "role is assigned to identities")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "resource already exists")
	default:
		a.log.Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request_failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// publicMessage strips the package prefix from validation errors.
func publicMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, "invalid input: "); i >= 0 {
		return msg[i+len("invalid input: "):]
	}
	return "invalid input"
}
