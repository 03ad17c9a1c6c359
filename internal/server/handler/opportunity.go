package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/flasharb/engine/internal/domain"
)

// OpportunitySource is the registry view the opportunity endpoints need.
type OpportunitySource interface {
	Get(id string) (domain.Opportunity, bool)
	List(statuses ...domain.OpportunityStatus) []domain.Opportunity
}

// Executor triggers a manual execution of one opportunity.
type Executor interface {
	ExecuteNow(id string) error
}

// OpportunityHandler serves the opportunity read and manual-execution
// endpoints.
type OpportunityHandler struct {
	reg    OpportunitySource
	exec   Executor // optional; nil in scan-only mode
	logger *slog.Logger
}

// NewOpportunityHandler creates an OpportunityHandler.
func NewOpportunityHandler(reg OpportunitySource, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{reg: reg, logger: logHandler(logger, "opportunity")}
}

// WithExecutor enables the manual execution endpoint.
func (h *OpportunityHandler) WithExecutor(exec Executor) *OpportunityHandler {
	h.exec = exec
	return h
}

// ListOpportunities returns tracked opportunities, optionally filtered by a
// comma-separated status list.
// GET /api/opportunities?status=active,executing
func (h *OpportunityHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.OpportunityStatus
	if v := r.URL.Query().Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(strings.ToLower(s))
			if s != "" {
				statuses = append(statuses, domain.OpportunityStatus(s))
			}
		}
	}

	opps := h.reg.List(statuses...)
	if opps == nil {
		opps = []domain.Opportunity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": opps})
}

// GetOpportunity returns a single opportunity by id.
// GET /api/opportunities/{id}
func (h *OpportunityHandler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing opportunity id")
		return
	}
	opp, ok := h.reg.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "opportunity not found")
		return
	}
	writeJSON(w, http.StatusOK, opp)
}

// Execute queues one Active opportunity for immediate execution.
// POST /api/opportunities/{id}/execute
func (h *OpportunityHandler) Execute(w http.ResponseWriter, r *http.Request) {
	if h.exec == nil {
		writeError(w, http.StatusNotImplemented, "execution not configured")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing opportunity id")
		return
	}

	err := h.exec.ExecuteNow(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "opportunity not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "opportunity is not executable")
	default:
		h.logger.ErrorContext(r.Context(), "manual execution failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}
