package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"medrec.org/internal/auth"
	"medrec.org/internal/store/memory"
)

const testPassword = "correct-horse"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	svc     *auth.Service
	rbac    *auth.RBACService
	store   *memory.Store
}

func newTestAPI(t *testing.T, opts Options) *apiClient {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	rbac, err := auth.NewRBACService(store)
	require.NoError(t, err)
	require.NoError(t, rbac.EnsureBuiltins(ctx))

	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
		AccessSecret:  "access-secret-for-tests",
		AccessTTL:     15 * time.Minute,
		RefreshSecret: "refresh-secret-for-tests",
		RefreshTTL:    24 * time.Hour,
	})
	require.NoError(t, err)

	svc, err := auth.NewService(store, store, issuer,
		auth.WithHasher(auth.NewArgon2Hasher(auth.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1})),
		auth.WithLimiter(auth.NewMemoryLimiter(3, 10*time.Minute)),
		auth.WithDefaultRole(auth.RoleReceptionist),
	)
	require.NoError(t, err)

	if opts.RateBurst == 0 {
		opts.RateBurst = 1000
		opts.RatePerSecond = 1000
	}
	opts.Version = "test"
	api, err := New(svc, rbac, nil, opts)
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t, svc: svc, rbac: rbac, store: store}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(c.t, err)
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (c *apiClient) register(email, role string) auth.Identity {
	c.t.Helper()
	identity, err := c.svc.Register(context.Background(), auth.RegisterInput{
		Email:    email,
		Password: testPassword,
		Role:     role,
	})
	require.NoError(c.t, err)
	return identity
}

func (c *apiClient) login(email string) sessionResponse {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/login", loginRequest{Email: email, Password: testPassword}, "")
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	var out sessionResponse
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t, Options{})

	resp := api.do(http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "test", decodeBody(t, resp)["version"])

	resp = api.do(http.MethodGet, "/readyz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

type failingProbe struct{}

func (failingProbe) Ping(context.Context) error { return context.DeadlineExceeded }

func TestReadyReportsProbeFailure(t *testing.T) {
	api := newTestAPI(t, Options{})
	a, err := New(api.svc, api.rbac, failingProbe{}, Options{})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestLoginReturnsTokenPair(t *testing.T) {
	api := newTestAPI(t, Options{})
	doctor := api.register("dr.house@clinic.test", auth.RoleDoctor)

	out := api.login("  DR.House@clinic.test ")
	require.NotEmpty(t, out.AccessToken)
	require.NotEmpty(t, out.RefreshToken)
	require.Equal(t, "Bearer", out.TokenType)
	require.Equal(t, doctor.ID, out.Identity.ID)

	resp := api.do(http.MethodGet, "/v1/auth/me", nil, out.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me meResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	require.Equal(t, auth.RoleDoctor, me.Role)
	require.ElementsMatch(t, []string{
		auth.PermViewPatients, auth.PermViewMedicalRecords, auth.PermCreateMedicalRecords,
	}, me.Permissions)
}

func TestLoginRejectionsAreUniform(t *testing.T) {
	api := newTestAPI(t, Options{})
	inactive := api.register("inactive@clinic.test", auth.RoleNurse)
	require.NoError(t, api.svc.SetActive(context.Background(), inactive.ID, false))
	api.register("nurse@clinic.test", auth.RoleNurse)

	cases := []loginRequest{
		{Email: "nobody@clinic.test", Password: testPassword},
		{Email: "inactive@clinic.test", Password: testPassword},
		{Email: "nurse@clinic.test", Password: "wrong-password"},
	}
	var bodies []string
	for _, c := range cases {
		resp := api.do(http.MethodPost, "/v1/auth/login", c, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		body := decodeBody(t, resp)
		bodies = append(bodies, body["error"].(string))
	}
	require.Equal(t, []string{"invalid credentials", "invalid credentials", "invalid credentials"}, bodies)
}

func TestLoginLockoutAnswers429(t *testing.T) {
	api := newTestAPI(t, Options{})
	api.register("nurse@clinic.test", auth.RoleNurse)

	for i := 0; i < 3; i++ {
		resp := api.do(http.MethodPost, "/v1/auth/login", loginRequest{Email: "nurse@clinic.test", Password: "nope-nope"}, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := api.do(http.MethodPost, "/v1/auth/login", loginRequest{Email: "nurse@clinic.test", Password: testPassword}, "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestLoginRejectsUnknownFields(t *testing.T) {
	api := newTestAPI(t, Options{})
	resp := api.do(http.MethodPost, "/v1/auth/login", map[string]any{"email": "a@b.c", "password": "x", "admin": true}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefreshRotatesAndSupersedes(t *testing.T) {
	api := newTestAPI(t, Options{})
	api.register("nurse@clinic.test", auth.RoleNurse)
	first := api.login("nurse@clinic.test")

	resp := api.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: first.RefreshToken}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second sessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	resp = api.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: first.RefreshToken}, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")

	resp = api.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: second.RefreshToken}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	api := newTestAPI(t, Options{})
	api.register("nurse@clinic.test", auth.RoleNurse)
	pair := api.login("nurse@clinic.test")

	resp := api.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: pair.AccessToken}, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = api.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{}, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, challenge, resp.Header.Get("WWW-Authenticate"))
	require.Equal(t, "unauthenticated", decodeBody(t, resp)["error"])

	resp = api.do(http.MethodPost, "/v1/auth/refresh", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRefreshAuthRestoresBody(t *testing.T) {
	api := newTestAPI(t, Options{})
	api.register("nurse@clinic.test", auth.RoleNurse)
	pair := api.login("nurse@clinic.test")

	a := &API{svc: api.svc}
	var seen []byte
	handler := a.withRefreshAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		seen, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		_, ok := auth.ClaimsFromContext(r.Context())
		require.True(t, ok)
		w.WriteHeader(http.StatusNoContent)
	}))

	body := `{"refresh_token":"` + pair.RefreshToken + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/refresh", strings.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.JSONEq(t, body, string(seen))
}

func TestAccessRouteRejectsRefreshToken(t *testing.T) {
	api := newTestAPI(t, Options{})
	api.register("nurse@clinic.test", auth.RoleNurse)
	pair := api.login("nurse@clinic.test")

	resp := api.do(http.MethodGet, "/v1/auth/me", nil, pair.RefreshToken)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = api.do(http.MethodGet, "/v1/auth/me", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
}

func TestLogoutEndsRefreshSession(t *testing.T) {
	api := newTestAPI(t, Options{})
	api.register("nurse@clinic.test", auth.RoleNurse)
	pair := api.login("nurse@clinic.test")

	resp := api.do(http.MethodPost, "/v1/auth/logout", nil, pair.AccessToken)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = api.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken}, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChangePassword(t *testing.T) {
	api := newTestAPI(t, Options{})
	api.register("nurse@clinic.test", auth.RoleNurse)
	pair := api.login("nurse@clinic.test")

	resp := api.do(http.MethodPost, "/v1/auth/password", changePasswordRequest{
		CurrentPassword: "wrong-password",
		NewPassword:     "battery-staple",
	}, pair.AccessToken)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = api.do(http.MethodPost, "/v1/auth/password", changePasswordRequest{
		CurrentPassword: testPassword,
		NewPassword:     "short",
	}, pair.AccessToken)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = api.do(http.MethodPost, "/v1/auth/password", changePasswordRequest{
		CurrentPassword: testPassword,
		NewPassword:     "battery-staple",
	}, pair.AccessToken)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = api.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken}, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = api.do(http.MethodPost, "/v1/auth/login", loginRequest{Email: "nurse@clinic.test", Password: "battery-staple"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeactivatedIdentity(t *testing.T) {
	t.Run("trust the token by default", func(t *testing.T) {
		api := newTestAPI(t, Options{})
		nurse := api.register("nurse@clinic.test", auth.RoleNurse)
		pair := api.login("nurse@clinic.test")
		require.NoError(t, api.svc.SetActive(context.Background(), nurse.ID, false))

		// logout does not run the live check
		resp := api.do(http.MethodPost, "/v1/auth/logout", nil, pair.AccessToken)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = api.do(http.MethodGet, "/v1/auth/me", nil, pair.AccessToken)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp = api.do(http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken}, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("strict revocation checks every route", func(t *testing.T) {
		api := newTestAPI(t, Options{StrictRevocation: true})
		nurse := api.register("nurse@clinic.test", auth.RoleNurse)
		pair := api.login("nurse@clinic.test")
		require.NoError(t, api.svc.SetActive(context.Background(), nurse.ID, false))

		resp := api.do(http.MethodPost, "/v1/auth/logout", nil, pair.AccessToken)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	api := newTestAPI(t, Options{})
	resp := api.do(http.MethodGet, "/v1/nope", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "resource not found", body["error"])
	require.NotEmpty(t, body["request_id"])
}

func TestBodyLimit(t *testing.T) {
	api := newTestAPI(t, Options{MaxBodyBytes: 64})
	resp := api.do(http.MethodPost, "/v1/auth/login", loginRequest{
		Email:    "someone-with-a-long-address@clinic.test",
		Password: "a-password-that-pushes-past-the-limit",
	}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "request body too large", decodeBody(t, resp)["error"])
}

func TestSpoofedForwardedForSharesRateBucket(t *testing.T) {
	api := newTestAPI(t, Options{RateBurst: 1, RatePerSecond: 0.001})

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		payload, err := json.Marshal(loginRequest{Email: "x@clinic.test"})
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, api.baseURL+"/v1/auth/login", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		resp, err := api.client.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		codes[resp.StatusCode]++
	}
	require.Equal(t, 4, codes[http.StatusTooManyRequests], "got %v", codes)
}
