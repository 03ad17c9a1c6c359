package handler

import (
	"log/slog"
	"net/http"

	"github.com/flasharb/engine/internal/domain"
)

// ExecutionHandler serves the execution audit-trail endpoints. The store is
// optional; without Postgres the endpoints return 501.
type ExecutionHandler struct {
	store  domain.ExecutionStore
	logger *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler. store may be nil.
func NewExecutionHandler(store domain.ExecutionStore, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, logger: logHandler(logger, "execution")}
}

// ListRecent returns the newest execution records.
// GET /api/executions?limit=50
func (h *ExecutionHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history not configured")
		return
	}
	limit := parseLimit(r, 50, 200)

	records, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list executions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if records == nil {
		records = []domain.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}

// ListByOpportunity returns every attempt for one opportunity, oldest first.
// GET /api/opportunities/{id}/executions
func (h *ExecutionHandler) ListByOpportunity(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history not configured")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing opportunity id")
		return
	}

	records, err := h.store.ListByOpportunity(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list executions for opportunity failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if records == nil {
		records = []domain.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}
