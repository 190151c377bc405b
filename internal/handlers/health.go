package handlers

import (
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/Davincible/claude-gateway/internal/router"
)

// HealthHandler reports liveness plus per-provider health snapshots.
type HealthHandler struct {
	engine *router.Engine
	logger *slog.Logger
}

func NewHealthHandler(engine *router.Engine, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		engine: engine,
		logger: logger,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	body, err := json.MarshalIndent(map[string]any{
		"status":    "ok",
		"providers": h.engine.Health(),
	}, "", "  ")
	if err != nil {
		h.logger.Error("Failed to marshal health response", "error", err)
		return
	}

	if _, err := w.Write(body); err != nil {
		h.logger.Error("Failed to write health check response", "error", err)
	}
}
