// Package health exposes the relay's composite health endpoint: overall
// status plus a per-dependency breakdown, currently just the cache
// backend (see DESIGN.md for why no other dependency check applies here).
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/offbit-ai/zeal/internal/v1/logging"
	"github.com/offbit-ai/zeal/internal/v1/persistence"
	"go.uber.org/zap"
)

// Handler serves GET /health.
type Handler struct {
	store *persistence.Store
}

// NewHandler builds a health handler backed by store. A nil or disabled
// store is reported as "disabled", not "unhealthy".
func NewHandler(store *persistence.Store) *Handler {
	return &Handler{store: store}
}

// Response is the body returned by GET /health.
type Response struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Service   string            `json:"service"`
	Checks    map[string]string `json:"checks"`
}

// Health handles GET /health.
// status is "healthy" when every dependency check reports healthy or
// disabled, "degraded" when any reports unhealthy. The server is otherwise
// alive, so this never returns a non-200 status — callers needing a strict
// liveness/readiness split should inspect the body instead.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"server": "healthy",
		"redis":  h.checkRedis(ctx),
	}

	status := "healthy"
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			break
		}
	}

	c.JSON(http.StatusOK, Response{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   "crdt-relay",
		Checks:    checks,
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.store.Disabled() {
		return "disabled"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
