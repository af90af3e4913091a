package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"medrec.org/internal/auth"
	"medrec.org/internal/obs"
)

// ReadyProbe reports whether backing stores answer.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Options tune the HTTP layer. Zero values fall back to defaults.
type Options struct {
	Version          string
	StrictRevocation bool
	MaxBodyBytes     int64
	RatePerSecond    float64
	RateBurst        int
	// TrustedProxies lists CIDRs or addresses whose forwarding headers are honoured.
	TrustedProxies []string
	Logger         *zerolog.Logger
}

// API is the HTTP layer over the auth service.
type API struct {
	svc     *auth.Service
	rbac    *auth.RBACService
	ready   ReadyProbe
	opts    Options
	proxies []netip.Prefix
	log     zerolog.Logger
	router  chi.Router
}

// New wires routes. ready may be nil when no external store is configured.
func New(svc *auth.Service, rbac *auth.RBACService, ready ReadyProbe, opts Options) (*API, error) {
	if svc == nil || rbac == nil {
		return nil, errors.New("httpapi: auth and rbac services are required")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	proxies, err := parseProxies(opts.TrustedProxies)
	if err != nil {
		return nil, err
	}
	a := &API{svc: svc, rbac: rbac, ready: ready, opts: opts, proxies: proxies, log: obs.Logger()}
	if opts.Logger != nil {
		a.log = *opts.Logger
	}
	a.router = a.routes()
	return a, nil
}

// Handler returns the root handler for the server.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(TrustedRealIP(a.proxies))
	r.Use(LoggingJSON)
	r.Use(chimid.Recoverer)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.opts.MaxBodyBytes) })

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(newIPLimiter(a.opts.RateBurst, a.opts.RatePerSecond).Handler)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", a.handleLogin)
			r.With(a.withRefreshAuth).Post("/refresh", a.handleRefresh)
			r.Group(func(r chi.Router) {
				r.Use(a.withAccessAuth)
				r.Post("/logout", a.handleLogout)
				r.With(a.requireActive).Get("/me", a.handleMe)
				r.With(a.requireActive).Post("/password", a.handleChangePassword)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(a.withAccessAuth)
			r.Use(a.requireActive)

			r.Route("/identities", func(r chi.Router) {
				r.Use(Require(auth.Requirement{
					Roles:       []string{auth.RoleAdmin},
					Permissions: []string{auth.PermManageUsers},
				}))
				r.Post("/", a.handleCreateIdentity)
				r.Post("/{id}/activate", a.handleSetActive(true))
				r.Post("/{id}/deactivate", a.handleSetActive(false))
			})

			r.Route("/roles", func(r chi.Router) {
				r.With(RequirePermissions(auth.PermViewRoles, auth.PermManageRoles)).Get("/", a.handleListRoles)
				r.Group(func(r chi.Router) {
					r.Use(RequirePermissions(auth.PermManageRoles))
					r.Post("/", a.handleCreateRole)
					r.Get("/{id}", a.handleGetRole)
					r.Delete("/{id}", a.handleDeleteRole)
					r.Put("/{id}/permissions", a.handleSetRolePermissions)
					r.Post("/{id}/activate", a.handleSetRoleActive(true))
					r.Post("/{id}/deactivate", a.handleSetRoleActive(false))
				})
			})

			r.Route("/permissions", func(r chi.Router) {
				r.With(RequirePermissions(auth.PermViewRoles, auth.PermManageRoles)).Get("/", a.handleListPermissions)
				r.Group(func(r chi.Router) {
					r.Use(RequirePermissions(auth.PermManageRoles))
					r.Post("/", a.handleCreatePermission)
					r.Post("/{name}/activate", a.handleSetPermissionActive(true))
					r.Post("/{name}/deactivate", a.handleSetPermissionActive(false))
				})
			})
		})
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "medrec-api",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			a.log.Warn().Err(err).Msg("readiness_check_failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		case errors.As(err, &maxErr):
			return errors.New("request body too large")
		}
		return errors.New("malformed JSON body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
