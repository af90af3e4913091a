package httpapi

import (
	"errors"
	"net/http"

	"medrec.org/internal/audit"
	"medrec.org/internal/auth"
	"medrec.org/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	auth.TokenPair
	TokenType string         `json:"token_type"`
	Identity  *auth.Identity `json:"identity,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type meResponse struct {
	auth.Identity
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, identity, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		obs.ObserveLogin(loginOutcome(err))
		_ = audit.LogEvent(r.Context(), "auth.login", false, map[string]string{
			"outcome": loginOutcome(err),
		})
		a.writeServiceError(w, r, err)
		return
	}
	obs.ObserveLogin("success")
	_ = audit.LogEvent(r.Context(), "auth.login", true, map[string]string{
		"identity_id": identity.ID,
	})
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair, TokenType: "Bearer", Identity: &identity})
}

func loginOutcome(err error) string {
	switch {
	case errors.Is(err, auth.ErrCredentialsRejected):
		return "rejected"
	case errors.Is(err, auth.ErrTooManyAttempts):
		return "locked"
	default:
		return "error"
	}
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	raw, _ := auth.TokenFromContext(r.Context())

	pair, err := a.svc.Refresh(r.Context(), claims, raw)
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, auth.ErrSessionSuperseded):
			outcome = "superseded"
			obs.ObserveTokenRejection(string(auth.TokenRefresh), auth.ReasonSuperseded)
		case errors.Is(err, auth.ErrInvalidToken):
			outcome = "rejected"
		}
		obs.ObserveRefresh(outcome)
		_ = audit.LogEvent(r.Context(), "auth.refresh", false, map[string]string{"outcome": outcome})
		a.writeServiceError(w, r, err)
		return
	}
	obs.ObserveRefresh("success")
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair, TokenType: "Bearer"})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	if err := a.svc.Logout(r.Context(), claims.Subject); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", true, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	identity, err := a.svc.Identity(r.Context(), claims.Subject)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	perms := claims.Permissions
	if perms == nil {
		perms = []string{}
	}
	writeJSON(w, http.StatusOK, meResponse{Identity: identity, Role: claims.Role, Permissions: perms})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	if err := a.svc.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword); err != nil {
		_ = audit.LogEvent(r.Context(), "auth.password.change", false, nil)
		a.writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.change", true, nil)
	w.WriteHeader(http.StatusNoContent)
}
