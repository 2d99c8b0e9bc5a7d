package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"store-auth/internal/config"
	"store-auth/internal/event"
	"store-auth/internal/handler"
	"store-auth/internal/metrics"
	"store-auth/internal/middleware"
	"store-auth/internal/repository"
	"store-auth/internal/service"
	"store-auth/internal/token"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

type authData struct {
	User struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	} `json:"user"`
	Tokens struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresAt    int64  `json:"expiresAt"`
	} `json:"tokens"`
}

type apiClient struct {
	t      *testing.T
	server *httptest.Server
}

func newTestServer(t *testing.T) apiClient {
	t.Helper()

	cfg := &config.Config{
		RequestTimeout:   5 * time.Second,
		AuthRateLimitRPM: 1000,
		CORSOrigins:      []string{"*"},
	}

	codec, err := token.NewCodec(token.SigningConfig{AccessSecret: "access-secret", RefreshSecret: "refresh-secret"})
	require.NoError(t, err)

	store := repository.NewMemoryIdentityStore()
	m := metrics.New()
	bus := event.NewBus()

	authService := service.NewAuthService(token.NewIssuer(codec), store, bus, m, service.AuthOptions{BcryptCost: bcrypt.MinCost})
	require.NoError(t, authService.SeedAdmin(context.Background(), "admin@example.com", "admin-password"))

	h := New(cfg, middleware.NewAuthorizer(codec, store, m), Handlers{
		Auth:    handler.NewAuthHandler(authService),
		User:    handler.NewUserHandler(service.NewUserService(store, bus, m)),
		Health:  handler.NewHealthHandler(config.StoreMemory, nil),
		Metrics: m.Handler(),
	})

	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return apiClient{t: t, server: server}
}

func (c apiClient) do(method string, path string, accessToken string, body any) (int, envelope) {
	c.t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.server.URL+path, reader)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.server.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var out envelope
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (c apiClient) login(email string, password string) authData {
	c.t.Helper()

	status, body := c.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(c.t, http.StatusOK, status, body.Message)

	var data authData
	require.NoError(c.t, json.Unmarshal(body.Data, &data))
	return data
}

func TestAuthFlow(t *testing.T) {
	t.Parallel()

	client := newTestServer(t)

	status, body := client.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": "shopper@example.com", "password": "correct-horse", "name": "Shopper",
	})
	require.Equal(t, http.StatusCreated, status)
	require.True(t, body.Success)

	var registered authData
	require.NoError(t, json.Unmarshal(body.Data, &registered))
	require.Equal(t, "user", registered.User.Role)
	require.Len(t, strings.Split(registered.Tokens.AccessToken, "."), 3)
	require.Greater(t, registered.Tokens.ExpiresAt, time.Now().Unix())

	status, body = client.do(http.MethodGet, "/api/v1/auth/me", registered.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body.Data), "shopper@example.com")
	require.NotContains(t, string(body.Data), "password")

	status, body = client.do(http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refreshToken": registered.Tokens.RefreshToken})
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body.Data), "refreshToken")

	status, body = client.do(http.MethodPost, "/api/v1/auth/logout-all", registered.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body.Data), `"tokenVersion":2`)

	status, body = client.do(http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refreshToken": registered.Tokens.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, status)
	require.False(t, body.Success)
	require.Equal(t, "TOKEN_VERSION_STALE", body.Code)
	require.Equal(t, "refresh token has been revoked, please log in again", body.Message)

	fresh := client.login("shopper@example.com", "correct-horse")
	status, _ = client.do(http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refreshToken": fresh.Tokens.RefreshToken})
	require.Equal(t, http.StatusOK, status)
}

func TestAuthRejections(t *testing.T) {
	t.Parallel()

	client := newTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		status, body := client.do(http.MethodGet, "/api/v1/auth/me", "", nil)
		require.Equal(t, http.StatusUnauthorized, status)
		require.Equal(t, "MISSING_TOKEN", body.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		status, body := client.do(http.MethodGet, "/api/v1/auth/me", "a.b.c", nil)
		require.Equal(t, http.StatusUnauthorized, status)
		require.Equal(t, "INVALID_TOKEN", body.Code)
	})

	t.Run("missing refresh token", func(t *testing.T) {
		status, body := client.do(http.MethodPost, "/api/v1/auth/refresh", "", nil)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "MISSING_REFRESH_TOKEN", body.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, client.server.URL+"/api/v1/auth/login", strings.NewReader("{"))
		require.NoError(t, err)
		resp, err := client.server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("wrong password", func(t *testing.T) {
		status, body := client.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "admin@example.com", "password": "nope-nope"})
		require.Equal(t, http.StatusUnauthorized, status)
		require.Equal(t, "INVALID_CREDENTIALS", body.Code)
	})
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()

	client := newTestServer(t)
	admin := client.login("admin@example.com", "admin-password")

	status, body := client.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": "shopper@example.com", "password": "correct-horse", "name": "Shopper",
	})
	require.Equal(t, http.StatusCreated, status)
	var shopper authData
	require.NoError(t, json.Unmarshal(body.Data, &shopper))

	status, body = client.do(http.MethodGet, "/api/v1/users", shopper.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "INSUFFICIENT_PERMISSIONS", body.Code)

	status, body = client.do(http.MethodGet, "/api/v1/users", admin.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body.Data), "shopper@example.com")

	status, _ = client.do(http.MethodPatch, "/api/v1/users/"+shopper.User.ID+"/status", admin.Tokens.AccessToken, map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, status)

	// Deactivation applies to the very next request of the shopper.
	status, body = client.do(http.MethodGet, "/api/v1/auth/me", shopper.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "USER_NOT_FOUND", body.Code)

	status, body = client.do(http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refreshToken": shopper.Tokens.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "USER_NOT_FOUND_OR_INACTIVE", body.Code)

	status, _ = client.do(http.MethodPatch, "/api/v1/users/"+shopper.User.ID+"/status", admin.Tokens.AccessToken, map[string]bool{"active": true})
	require.Equal(t, http.StatusOK, status)

	status, body = client.do(http.MethodPatch, "/api/v1/users/"+shopper.User.ID+"/role", admin.Tokens.AccessToken, map[string]string{"role": "admin"})
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body.Data), `"role":"admin"`)

	// The shopper's old access token now passes admin gating because roles
	// are read from the live identity.
	status, _ = client.do(http.MethodGet, "/api/v1/users/"+admin.User.ID, shopper.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = client.do(http.MethodPost, "/api/v1/users/"+shopper.User.ID+"/revoke-sessions", admin.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body.Data), `"tokenVersion":2`)

	status, body = client.do(http.MethodGet, "/api/v1/users/missing", admin.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", body.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()

	client := newTestServer(t)

	status, body := client.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body.Data), `"status":"ok"`)

	client.login("admin@example.com", "admin-password")

	resp, err := client.server.Client().Get(client.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(raw), "store_auth_token_pairs_issued_total 1")
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}
