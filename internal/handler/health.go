package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tradeskill/marketplace-chat/pkg/logger"
)

// readyTimeout bounds all dependency checks of one readiness probe.
const readyTimeout = 3 * time.Second

// Checker probes one dependency.
type Checker func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks map[string]Checker
	logger *logger.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checks map[string]Checker, log *logger.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: log}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
