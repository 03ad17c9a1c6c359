package handler

import (
	"log/slog"
	"net/http"

	"github.com/flasharb/engine/internal/domain"
)

// StatsSource provides the live counters and telemetry backing the stats
// endpoints.
type StatsSource interface {
	Stats() domain.EngineStats
}

// TelemetrySource provides the recent event feed and last-execution summary.
type TelemetrySource interface {
	Recent(n int) []domain.LogEvent
	LastExecution() (domain.ExecutionSummary, bool)
}

// StatsHandler serves engine statistics and the telemetry tail.
type StatsHandler struct {
	stats     StatsSource
	telemetry TelemetrySource
	logger    *slog.Logger
}

// NewStatsHandler creates a StatsHandler.
func NewStatsHandler(stats StatsSource, telemetry TelemetrySource, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{
		stats:     stats,
		telemetry: telemetry,
		logger:    logHandler(logger, "stats"),
	}
}

// GetStats returns the engine's aggregate counters.
// GET /api/stats
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

// LastExecution returns the most recent confirmed execution.
// GET /api/stats/last-execution
func (h *StatsHandler) LastExecution(w http.ResponseWriter, r *http.Request) {
	summary, ok := h.telemetry.LastExecution()
	if !ok {
		writeError(w, http.StatusNotFound, "no executions yet")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListEvents returns the tail of the telemetry feed, oldest first.
// GET /api/events?limit=100
func (h *StatsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100, 500)
	events := h.telemetry.Recent(limit)
	if events == nil {
		events = []domain.LogEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
