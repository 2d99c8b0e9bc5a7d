package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

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

type App struct {
	server       *http.Server
	cleanupFuncs []func()
}

type identityBackend struct {
	store   repository.IdentityStore
	health  handler.HealthCheck
	cleanup func()
}

func New(cfg *config.Config) (*App, error) {
	ctx := context.Background()

	backend, err := openIdentityStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	codec, err := token.NewCodec(token.SigningConfig{
		AccessSecret:  cfg.AccessTokenSecret,
		RefreshSecret: cfg.RefreshTokenSecret,
	})
	if err != nil {
		backend.cleanup()
		return nil, fmt.Errorf("failed to initialize token codec: %w", err)
	}
	issuer := token.NewIssuer(codec)

	m := metrics.New()
	bus := event.NewBus()

	auditCtx, auditCancel := context.WithCancel(context.Background())
	auditService := service.NewAuditService(slog.Default(), 0)
	go auditService.Run(auditCtx, bus)

	authService := service.NewAuthService(issuer, backend.store, bus, m, service.AuthOptions{
		BcryptCost: cfg.BcryptCost,
		Rotation:   service.RotationMode(cfg.RefreshRotation),
	})
	userService := service.NewUserService(backend.store, bus, m)

	if cfg.SeedAdminEmail != "" {
		if err := authService.SeedAdmin(ctx, cfg.SeedAdminEmail, cfg.SeedAdminPassword); err != nil {
			auditCancel()
			backend.cleanup()
			return nil, fmt.Errorf("failed to seed admin: %w", err)
		}
	}

	authorizer := middleware.NewAuthorizer(codec, backend.store, m)
	appRouter := router.New(cfg, authorizer, router.Handlers{
		Auth:    handler.NewAuthHandler(authService),
		User:    handler.NewUserHandler(userService),
		Health:  handler.NewHealthHandler(cfg.IdentityStore, backend.health),
		Metrics: m.Handler(),
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           appRouter,
		ReadHeaderTimeout: cfg.ServerReadHeaderTimeout,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       cfg.ServerIdleTimeout,
	}

	slog.Info("application initialized",
		"identity_store", cfg.IdentityStore,
		"refresh_rotation", cfg.RefreshRotation,
		"access_ttl", token.AccessTokenTTL,
		"refresh_ttl", token.RefreshTokenTTL,
	)

	return &App{
		server: server,
		cleanupFuncs: []func(){
			auditCancel,
			backend.cleanup,
		},
	}, nil
}

func openIdentityStore(ctx context.Context, cfg *config.Config) (identityBackend, error) {
	switch cfg.IdentityStore {
	case config.StorePostgres:
		slog.Info("connecting to PostgreSQL")
		db, err := database.New(ctx, cfg.DatabaseURL, database.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return identityBackend{}, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return identityBackend{}, fmt.Errorf("failed to ensure database schema: %w", err)
		}
		slog.Info("database ready")
		return identityBackend{
			store:   repository.NewIdentityRepository(db.Pool),
			health:  db.Health,
			cleanup: db.Close,
		}, nil

	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return identityBackend{}, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return identityBackend{}, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis ready", "addr", opts.Addr, "db", opts.DB)
		return identityBackend{
			store: repository.NewRedisIdentityStore(client, cfg.RedisKeyPrefix),
			health: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			cleanup: func() {
				_ = client.Close()
			},
		}, nil

	default:
		slog.Warn("using in-memory identity store; identities are lost on restart")
		return identityBackend{
			store:   repository.NewMemoryIdentityStore(),
			cleanup: func() {},
		}, nil
	}
}

func (a *App) Run() error {
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-serveErr:
		a.cleanup()
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		slog.Info("shutdown requested", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownErr := a.server.Shutdown(ctx)
	a.cleanup()
	if shutdownErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", shutdownErr)
	}

	slog.Info("server stopped")
	return nil
}

func (a *App) cleanup() {
	for _, fn := range a.cleanupFuncs {
		fn()
	}
}
