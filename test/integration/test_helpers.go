//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"store-auth/internal/config"
	"store-auth/internal/database"
	"store-auth/internal/event"
	"store-auth/internal/handler"
	"store-auth/internal/metrics"
	"store-auth/internal/middleware"
	"store-auth/internal/repository"
	"store-auth/internal/router"
	"store-auth/internal/service"
	"store-auth/internal/token"
)

const (
	adminEmail    = "admin@example.com"
	adminPassword = "admin-password"
)

type backend struct {
	name  string
	store func(t *testing.T) repository.IdentityStore
}

// backends lists the real stores reachable from this environment.
func backends(t *testing.T) []backend {
	t.Helper()

	var out []backend
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		out = append(out, backend{name: config.StorePostgres, store: func(t *testing.T) repository.IdentityStore {
			ctx := context.Background()
			db, err := database.New(ctx, url, database.PoolOptions{MaxConns: 4})
			require.NoError(t, err)
			t.Cleanup(db.Close)
			require.NoError(t, db.EnsureSchema(ctx))
			_, err = db.Pool.Exec(ctx, "TRUNCATE identities")
			require.NoError(t, err)
			return repository.NewIdentityRepository(db.Pool)
		}})
	}
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		out = append(out, backend{name: config.StoreRedis, store: func(t *testing.T) repository.IdentityStore {
			opts, err := redis.ParseURL(url)
			require.NoError(t, err)
			client := redis.NewClient(opts)
			t.Cleanup(func() { _ = client.Close() })
			return repository.NewRedisIdentityStore(client, "it-"+uuid.NewString()+":")
		}})
	}
	if len(out) == 0 {
		t.Skip("set TEST_DATABASE_URL or TEST_REDIS_URL to run integration tests")
	}
	return out
}

func newStackServer(t *testing.T, store repository.IdentityStore, rotation service.RotationMode) *httptest.Server {
	t.Helper()

	codec, err := token.NewCodec(token.SigningConfig{AccessSecret: "it-access-secret", RefreshSecret: "it-refresh-secret"})
	require.NoError(t, err)

	m := metrics.New()
	bus := event.NewBus()
	authService := service.NewAuthService(token.NewIssuer(codec), store, bus, m, service.AuthOptions{
		BcryptCost: bcrypt.MinCost,
		Rotation:   rotation,
	})
	require.NoError(t, authService.SeedAdmin(context.Background(), adminEmail, adminPassword))

	cfg := &config.Config{
		RequestTimeout:   10 * time.Second,
		CORSOrigins:      []string{"*"},
		RateLimitRPM:     1000,
		AuthRateLimitRPM: 1000,
	}

	server := httptest.NewServer(router.New(cfg, middleware.NewAuthorizer(codec, store, m), router.Handlers{
		Auth:    handler.NewAuthHandler(authService),
		User:    handler.NewUserHandler(service.NewUserService(store, bus, m)),
		Health:  handler.NewHealthHandler("integration", nil),
		Metrics: m.Handler(),
	}))
	t.Cleanup(server.Close)
	return server
}

type response struct {
	Status  int             `json:"-"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

type tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func doJSON(t *testing.T, method string, url string, accessToken string, payload any) response {
	t.Helper()

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := response{Status: resp.StatusCode}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func login(t *testing.T, serverURL string, email string, password string) tokens {
	t.Helper()

	resp := doJSON(t, http.MethodPost, serverURL+"/api/v1/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, resp.Status, resp.Message)

	var parsed struct {
		Tokens tokens `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &parsed))
	require.NotEmpty(t, parsed.Tokens.AccessToken)
	require.NotEmpty(t, parsed.Tokens.RefreshToken)
	return parsed.Tokens
}

func refresh(t *testing.T, serverURL string, refreshToken string) response {
	t.Helper()
	return doJSON(t, http.MethodPost, serverURL+"/api/v1/auth/refresh", "", map[string]string{"refreshToken": refreshToken})
}
