package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/genflow/internal/api/response"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

const healthTimeout = 2 * time.Second

// NewHealthHandler reports each dependency as ok or degraded. Any degraded
// dependency turns the response into a 503.
func NewHealthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		services := make(map[string]string, len(checks))
		degraded := false
		for name, check := range checks {
			services[name] = "ok"
			if err := check(ctx); err != nil {
				services[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", services)
			return
		}
		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": services,
		})
	}
}
