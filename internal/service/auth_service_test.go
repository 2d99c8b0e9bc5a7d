package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"store-auth/internal/event"
	"store-auth/internal/metrics"
	"store-auth/internal/model"
	"store-auth/internal/repository"
	"store-auth/internal/token"
	"store-auth/pkg/apierror"
)

type authFixture struct {
	service    *AuthService
	issuer     *token.Issuer
	identities *repository.MemoryIdentityStore
	bus        *event.InMemoryBus
	metrics    *metrics.Metrics
}

func newAuthFixture(t *testing.T, rotation RotationMode) authFixture {
	t.Helper()

	codec, err := token.NewCodec(token.SigningConfig{AccessSecret: "access-secret", RefreshSecret: "refresh-secret"})
	require.NoError(t, err)

	issuer := token.NewIssuer(codec)
	identities := repository.NewMemoryIdentityStore()
	bus := event.NewBus()
	m := metrics.New()

	service := NewAuthService(issuer, identities, bus, m, AuthOptions{BcryptCost: bcrypt.MinCost, Rotation: rotation})
	return authFixture{service: service, issuer: issuer, identities: identities, bus: bus, metrics: m}
}

func seedIdentity(t *testing.T, store repository.IdentityStore, id string, email string, role model.Role) model.Identity {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now().UTC()
	identity := model.Identity{
		ID:           id,
		Email:        email,
		Name:         "Test " + id,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
		TokenVersion: model.BaselineTokenVersion,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.Create(context.Background(), identity))
	return identity
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()

	var apiErr *apierror.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, code, apiErr.Code)
}

func TestRefreshRevocationScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newAuthFixture(t, RotationReusable)
	seedIdentity(t, fx.identities, "u1", "u1@example.com", model.RoleUser)

	original, err := fx.issuer.IssuePair("u1", "u1@example.com", model.RoleUser, 1)
	require.NoError(t, err)

	refreshed, err := fx.service.Refresh(ctx, original.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, original.AccessToken, refreshed.AccessToken)
	require.NotEqual(t, original.RefreshToken, refreshed.RefreshToken)

	claims, err := fx.issuer.Codec().VerifyRefresh(refreshed.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, 1, claims.TokenVersion)

	version, err := fx.identities.IncrementTokenVersion(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, version)

	_, err = fx.service.Refresh(ctx, original.RefreshToken)
	requireCode(t, err, apierror.CodeTokenVersionStale)
	require.ErrorIs(t, err, model.ErrVersionStale)

	_, err = fx.service.Refresh(ctx, refreshed.RefreshToken)
	requireCode(t, err, apierror.CodeTokenVersionStale)

	current, err := fx.issuer.IssuePair("u1", "u1@example.com", model.RoleUser, 2)
	require.NoError(t, err)
	_, err = fx.service.Refresh(ctx, current.RefreshToken)
	require.NoError(t, err)

	require.Equal(t, float64(2), testutil.ToFloat64(fx.metrics.RefreshCount(metrics.RefreshStale)))
	require.Equal(t, float64(2), testutil.ToFloat64(fx.metrics.RefreshCount(metrics.RefreshIssued)))
}

func TestRefreshRejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("empty token", func(t *testing.T) {
		fx := newAuthFixture(t, RotationReusable)
		_, err := fx.service.Refresh(ctx, "   ")
		requireCode(t, err, apierror.CodeMissingRefreshToken)
	})

	t.Run("access token presented as refresh token", func(t *testing.T) {
		fx := newAuthFixture(t, RotationReusable)
		seedIdentity(t, fx.identities, "u1", "u1@example.com", model.RoleUser)

		pair, err := fx.issuer.IssuePair("u1", "u1@example.com", model.RoleUser, 1)
		require.NoError(t, err)

		_, err = fx.service.Refresh(ctx, pair.AccessToken)
		requireCode(t, err, apierror.CodeInvalidRefreshToken)
		require.ErrorIs(t, err, model.ErrTokenInvalid)
	})

	t.Run("expired refresh token", func(t *testing.T) {
		fx := newAuthFixture(t, RotationReusable)
		seedIdentity(t, fx.identities, "u1", "u1@example.com", model.RoleUser)

		past := token.NewIssuer(fx.issuer.Codec().WithClock(func() time.Time {
			return time.Now().Add(-token.RefreshTokenTTL - time.Minute)
		}))
		pair, err := past.IssuePair("u1", "u1@example.com", model.RoleUser, 1)
		require.NoError(t, err)

		_, err = fx.service.Refresh(ctx, pair.RefreshToken)
		requireCode(t, err, apierror.CodeInvalidRefreshToken)
	})

	t.Run("unknown identity", func(t *testing.T) {
		fx := newAuthFixture(t, RotationReusable)
		pair, err := fx.issuer.IssuePair("ghost", "ghost@example.com", model.RoleUser, 1)
		require.NoError(t, err)

		_, err = fx.service.Refresh(ctx, pair.RefreshToken)
		requireCode(t, err, apierror.CodeUserNotFoundOrInactive)
	})

	t.Run("deactivated identity", func(t *testing.T) {
		fx := newAuthFixture(t, RotationReusable)
		seedIdentity(t, fx.identities, "u1", "u1@example.com", model.RoleUser)
		pair, err := fx.issuer.IssuePair("u1", "u1@example.com", model.RoleUser, 1)
		require.NoError(t, err)

		require.NoError(t, fx.identities.SetActive(ctx, "u1", false))

		_, err = fx.service.Refresh(ctx, pair.RefreshToken)
		requireCode(t, err, apierror.CodeUserNotFoundOrInactive)
	})
}

func TestRefreshCarriesCurrentRole(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newAuthFixture(t, RotationReusable)
	seedIdentity(t, fx.identities, "u1", "u1@example.com", model.RoleUser)

	pair, err := fx.issuer.IssuePair("u1", "u1@example.com", model.RoleUser, 1)
	require.NoError(t, err)

	require.NoError(t, fx.identities.SetRole(ctx, "u1", model.RoleAdmin))

	refreshed, err := fx.service.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	claims, err := fx.issuer.Codec().VerifyAccess(refreshed.AccessToken)
	require.NoError(t, err)
	require.Equal(t, model.RoleAdmin, claims.Role)
}

func TestSingleUseRotation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("each refresh token exchanges once", func(t *testing.T) {
		fx := newAuthFixture(t, RotationSingleUse)
		seedIdentity(t, fx.identities, "u1", "u1@example.com", model.RoleUser)

		first, err := fx.issuer.IssuePair("u1", "u1@example.com", model.RoleUser, 1)
		require.NoError(t, err)

		second, err := fx.service.Refresh(ctx, first.RefreshToken)
		require.NoError(t, err)

		claims, err := fx.issuer.Codec().VerifyRefresh(second.RefreshToken)
		require.NoError(t, err)
		require.Equal(t, 2, claims.TokenVersion)

		_, err = fx.service.Refresh(ctx, first.RefreshToken)
		requireCode(t, err, apierror.CodeTokenVersionStale)

		_, err = fx.service.Refresh(ctx, second.RefreshToken)
		require.NoError(t, err)
	})

	t.Run("concurrent replays have one winner", func(t *testing.T) {
		fx := newAuthFixture(t, RotationSingleUse)
		seedIdentity(t, fx.identities, "u1", "u1@example.com", model.RoleUser)

		pair, err := fx.issuer.IssuePair("u1", "u1@example.com", model.RoleUser, 1)
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := fx.service.Refresh(ctx, pair.RefreshToken); err == nil {
					wins.Add(1)
				} else {
					assert.ErrorIs(t, err, model.ErrVersionStale)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
	})
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("register issues a pair at the baseline version", func(t *testing.T) {
		fx := newAuthFixture(t, RotationReusable)

		result, err := fx.service.Register(ctx, " Shopper@Example.com ", "correct-horse", "Shopper")
		require.NoError(t, err)
		require.Equal(t, "shopper@example.com", result.User.Email)
		require.Equal(t, model.RoleUser, result.User.Role)

		claims, err := fx.issuer.Codec().VerifyRefresh(result.Tokens.RefreshToken)
		require.NoError(t, err)
		require.Equal(t, model.BaselineTokenVersion, claims.TokenVersion)

		stored, err := fx.identities.FindByID(ctx, result.User.ID)
		require.NoError(t, err)
		require.Equal(t, claims.ID, stored.CurrentRefreshTokenID)
		require.NotNil(t, stored.LastLogin)
	})

	t.Run("register validates input", func(t *testing.T) {
		fx := newAuthFixture(t, RotationReusable)

		_, err := fx.service.Register(ctx, "not-an-email", "correct-horse", "x")
		requireCode(t, err, apierror.CodeBadRequest)

		_, err = fx.service.Register(ctx, "a@example.com", "short", "x")
		requireCode(t, err, apierror.CodeBadRequest)
	})

	t.Run("register rejects duplicate email", func(t *testing.T) {
		fx := newAuthFixture(t, RotationReusable)
		seedIdentity(t, fx.identities, "u1", "taken@example.com", model.RoleUser)

		_, err := fx.service.Register(ctx, "TAKEN@example.com", "correct-horse", "x")
		requireCode(t, err, apierror.CodeAlreadyExists)
	})

	t.Run("login updates last login without touching the version", func(t *testing.T) {
		fx := newAuthFixture(t, RotationReusable)
		seedIdentity(t, fx.identities, "u1", "u1@example.com", model.RoleUser)

		_, err := fx.identities.IncrementTokenVersion(ctx, "u1")
		require.NoError(t, err)

		result, err := fx.service.Login(ctx, "u1@example.com", "correct-horse")
		require.NoError(t, err)
		require.NotNil(t, result.User.LastLogin)

		stored, err := fx.identities.FindByID(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, 2, stored.TokenVersion)

		claims, err := fx.issuer.Codec().VerifyRefresh(result.Tokens.RefreshToken)
		require.NoError(t, err)
		require.Equal(t, 2, claims.TokenVersion)
	})

	t.Run("login rejects bad credentials", func(t *testing.T) {
		fx := newAuthFixture(t, RotationReusable)
		seedIdentity(t, fx.identities, "u1", "u1@example.com", model.RoleUser)

		_, err := fx.service.Login(ctx, "u1@example.com", "wrong-password")
		requireCode(t, err, apierror.CodeInvalidCredentials)

		_, err = fx.service.Login(ctx, "nobody@example.com", "correct-horse")
		requireCode(t, err, apierror.CodeInvalidCredentials)
	})

	t.Run("login rejects deactivated accounts", func(t *testing.T) {
		fx := newAuthFixture(t, RotationReusable)
		seedIdentity(t, fx.identities, "u1", "u1@example.com", model.RoleUser)
		require.NoError(t, fx.identities.SetActive(ctx, "u1", false))

		_, err := fx.service.Login(ctx, "u1@example.com", "correct-horse")
		requireCode(t, err, apierror.CodeAccountDisabled)
	})
}

func TestLogoutAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newAuthFixture(t, RotationReusable)
	seedIdentity(t, fx.identities, "u1", "u1@example.com", model.RoleUser)

	events, unsubscribe := fx.bus.Subscribe()
	t.Cleanup(unsubscribe)

	first, err := fx.service.Login(ctx, "u1@example.com", "correct-horse")
	require.NoError(t, err)
	second, err := fx.service.Login(ctx, "u1@example.com", "correct-horse")
	require.NoError(t, err)

	principal := model.Principal{ID: "u1", Email: "u1@example.com", Role: model.RoleUser}
	version, err := fx.service.LogoutAll(ctx, principal)
	require.NoError(t, err)
	require.Equal(t, 2, version)

	for _, pair := range []model.TokenPair{first.Tokens, second.Tokens} {
		_, err := fx.service.Refresh(ctx, pair.RefreshToken)
		requireCode(t, err, apierror.CodeTokenVersionStale)
	}

	var types []event.Type
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	require.Contains(t, types, event.TypeLoggedOutAll)
	require.Contains(t, types, event.TypeRefreshRejected)
}

func TestLogoutClearsSessionMarker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newAuthFixture(t, RotationReusable)
	seedIdentity(t, fx.identities, "u1", "u1@example.com", model.RoleUser)

	result, err := fx.service.Login(ctx, "u1@example.com", "correct-horse")
	require.NoError(t, err)

	require.NoError(t, fx.service.Logout(ctx, model.Principal{ID: "u1"}))

	stored, err := fx.identities.FindByID(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, stored.CurrentRefreshTokenID)

	// Single-session logout leaves the counter alone.
	_, err = fx.service.Refresh(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)

	err = fx.service.Logout(ctx, model.Principal{ID: "ghost"})
	requireCode(t, err, apierror.CodeUserNotFound)
}

func TestSeedAdmin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newAuthFixture(t, RotationReusable)

	require.NoError(t, fx.service.SeedAdmin(ctx, "admin@example.com", "admin-password"))
	require.NoError(t, fx.service.SeedAdmin(ctx, "admin@example.com", "admin-password"))

	identities, err := fx.identities.List(ctx)
	require.NoError(t, err)
	require.Len(t, identities, 1)
	require.Equal(t, model.RoleAdmin, identities[0].Role)

	result, err := fx.service.Login(ctx, "admin@example.com", "admin-password")
	require.NoError(t, err)
	require.Equal(t, model.RoleAdmin, result.User.Role)
}

// adminRaceStore applies an admin write right after Login reads the
// identity, before the password check and the login bookkeeping.
type adminRaceStore struct {
	*repository.MemoryIdentityStore
	afterRead func(ctx context.Context, id string)
}

func (s adminRaceStore) FindByEmail(ctx context.Context, email string) (model.Identity, error) {
	identity, err := s.MemoryIdentityStore.FindByEmail(ctx, email)
	if err == nil && s.afterRead != nil {
		s.afterRead(ctx, identity.ID)
	}
	return identity, err
}

func TestLoginKeepsConcurrentAdminChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	newRacingService := func(t *testing.T, role model.Role, afterRead func(ctx context.Context, store *repository.MemoryIdentityStore, id string)) (*AuthService, *repository.MemoryIdentityStore) {
		t.Helper()

		codec, err := token.NewCodec(token.SigningConfig{AccessSecret: "access-secret", RefreshSecret: "refresh-secret"})
		require.NoError(t, err)

		memory := repository.NewMemoryIdentityStore()
		seedIdentity(t, memory, "u1", "u1@example.com", role)

		store := adminRaceStore{MemoryIdentityStore: memory, afterRead: func(ctx context.Context, id string) {
			afterRead(ctx, memory, id)
		}}
		return NewAuthService(token.NewIssuer(codec), store, nil, nil, AuthOptions{BcryptCost: bcrypt.MinCost}), memory
	}

	t.Run("deactivation during login stays applied", func(t *testing.T) {
		service, memory := newRacingService(t, model.RoleUser, func(ctx context.Context, store *repository.MemoryIdentityStore, id string) {
			require.NoError(t, store.SetActive(ctx, id, false))
		})

		_, err := service.Login(ctx, "u1@example.com", "correct-horse")
		require.NoError(t, err)

		stored, err := memory.FindByID(ctx, "u1")
		require.NoError(t, err)
		require.False(t, stored.Active)
		require.NotNil(t, stored.LastLogin)
	})

	t.Run("demotion during login stays applied", func(t *testing.T) {
		service, memory := newRacingService(t, model.RoleAdmin, func(ctx context.Context, store *repository.MemoryIdentityStore, id string) {
			require.NoError(t, store.SetRole(ctx, id, model.RoleUser))
		})

		_, err := service.Login(ctx, "u1@example.com", "correct-horse")
		require.NoError(t, err)

		stored, err := memory.FindByID(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, model.RoleUser, stored.Role)
		require.NotEmpty(t, stored.CurrentRefreshTokenID)
	})
}
