package httpapi

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"medrec.org/internal/auth"
	"medrec.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	challenge             = `Bearer realm="medrec"`
	invalidTokenChallenge = `Bearer realm="medrec", error="invalid_token"`
	scopeChallenge        = `Bearer realm="medrec", error="insufficient_scope"`
)

var errMissingBearer = errors.New("missing bearer token")

// withAccessAuth validates the Authorization header and stores the claims.
// In strict revocation mode it also runs the live identity check.
func (a *API) withAccessAuth(next http.Handler) http.Handler {
	validator := a.svc.Tokens().Access()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, challenge)
			return
		}
		claims, err := validator.Validate(token)
		if err != nil {
			obs.ObserveTokenRejection(string(validator.Kind()), auth.RejectionReason(err))
			unauthorized(w, r, invalidTokenChallenge)
			return
		}
		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = auth.ContextWithToken(ctx, token)
		r = r.WithContext(ctx)
		if a.opts.StrictRevocation && !a.checkActive(w, r, claims) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// withRefreshAuth validates the refresh_token body field as a refresh token.
// The body is restored for the next handler. A missing token answers 401
// like a missing bearer header.
func (a *API) withRefreshAuth(next http.Handler) http.Handler {
	validator := a.svc.Tokens().Refresh()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw []byte
		if r.Body != nil {
			var err error
			raw, err = io.ReadAll(r.Body)
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					writeError(w, r, http.StatusBadRequest, "request body too large")
					return
				}
				writeError(w, r, http.StatusBadRequest, "malformed JSON body")
				return
			}
		}
		var req refreshRequest
		if len(bytes.TrimSpace(raw)) > 0 {
			r.Body = io.NopCloser(bytes.NewReader(raw))
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))

		token := strings.TrimSpace(req.RefreshToken)
		if token == "" {
			obs.ObserveRefresh("rejected")
			unauthorized(w, r, challenge)
			return
		}
		claims, err := validator.Validate(token)
		if err != nil {
			obs.ObserveTokenRejection(string(validator.Kind()), auth.RejectionReason(err))
			obs.ObserveRefresh("rejected")
			unauthorized(w, r, invalidTokenChallenge)
			return
		}
		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireActive runs the live identity check on routes that must not trust
// a token issued before a deactivation.
func (a *API) requireActive(next http.Handler) http.Handler {
	if a.opts.StrictRevocation {
		// already checked by withAccessAuth
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := auth.ClaimsFromContext(r.Context())
		if !a.checkActive(w, r, claims) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) checkActive(w http.ResponseWriter, r *http.Request, claims *auth.Claims) bool {
	err := a.svc.EnsureActive(r.Context(), claims)
	switch {
	case err == nil:
		return true
	case errors.Is(err, auth.ErrInvalidToken):
		obs.ObserveTokenRejection(string(auth.TokenAccess), "inactive")
		unauthorized(w, r, invalidTokenChallenge)
	default:
		a.log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("identity_status_check_failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
	return false
}

func unauthorized(w http.ResponseWriter, r *http.Request, header string) {
	w.Header().Set("WWW-Authenticate", header)
	writeError(w, r, http.StatusUnauthorized, "unauthenticated")
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingBearer
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
