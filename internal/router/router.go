package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"store-auth/internal/config"
	"store-auth/internal/handler"
	"store-auth/internal/middleware"
	"store-auth/internal/model"
)

type Handlers struct {
	Auth    *handler.AuthHandler
	User    *handler.UserHandler
	Health  *handler.HealthHandler
	Metrics http.Handler
}

func New(cfg *config.Config, authorizer *middleware.Authorizer, h Handlers) http.Handler {
	r := chi.NewRouter()
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.AuthRateLimitRPM)

	requireAuth := authorizer.Require(middleware.Authenticated())
	requireAdmin := authorizer.Require(middleware.Authenticated(model.RoleAdmin))

	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", h.Health.Health)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(rateLimitMiddleware.Handler)
		api.Use(middleware.Timeout(cfg.RequestTimeout))

		api.Route("/auth", func(auth chi.Router) {
			auth.Post("/register", h.Auth.Register)
			auth.Post("/login", h.Auth.Login)
			auth.Post("/refresh", h.Auth.Refresh)
			auth.With(requireAuth).Post("/logout", h.Auth.Logout)
			auth.With(requireAuth).Post("/logout-all", h.Auth.LogoutAll)
			auth.With(requireAuth).Get("/me", h.Auth.Me)
		})

		api.Route("/users", func(users chi.Router) {
			users.Use(requireAdmin)
			users.Get("/", h.User.List)
			users.Get("/{id}", h.User.Get)
			users.Patch("/{id}/status", h.User.UpdateStatus)
			users.Patch("/{id}/role", h.User.UpdateRole)
			users.Post("/{id}/revoke-sessions", h.User.RevokeSessions)
		})
	})

	return r
}
