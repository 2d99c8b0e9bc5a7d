package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheck reports backing-store reachability.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	store   string
	check   HealthCheck
	started time.Time
}

func NewHealthHandler(store string, check HealthCheck) *HealthHandler {
	return &HealthHandler{store: store, check: check, started: time.Now()}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if h.check != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.check(ctx); err != nil {
			slog.Error("health check failed", "store", h.store, "error", err)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	writeSuccess(w, code, map[string]any{
		"status":        status,
		"identityStore": h.store,
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
	})
}
