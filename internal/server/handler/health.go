package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker probes one backing dependency.
type HealthChecker func(ctx context.Context) error

// HealthHandler serves the health-check endpoint. Optional dependency checks
// (redis, postgres, object store) are probed on every request.
type HealthHandler struct {
	checks map[string]HealthChecker
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler with the provided logger.
func NewHealthHandler(logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checks: make(map[string]HealthChecker),
		logger: logHandler(logger, "health"),
	}
}

// AddCheck registers a named dependency probe. Not safe to call after the
// server has started.
func (h *HealthHandler) AddCheck(name string, check HealthChecker) {
	h.checks[name] = check
}

// HealthCheck reports overall liveness plus per-dependency status. A failing
// dependency degrades the response to 503 but names the culprit.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))

	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = err.Error()
			h.logger.WarnContext(r.Context(), "dependency check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		deps[name] = "ok"
	}

	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(deps) > 0 {
		body["dependencies"] = deps
	}
	writeJSON(w, status, body)
}
