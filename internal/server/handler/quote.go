package handler

import (
	"log/slog"
	"net/http"

	"github.com/flasharb/engine/internal/domain"
)

// QuoteSource is the quote store view the quote endpoints need.
type QuoteSource interface {
	Snapshot() domain.QuoteSnapshot
}

// QuoteHandler serves the live quote board.
type QuoteHandler struct {
	store  QuoteSource
	logger *slog.Logger
}

// NewQuoteHandler creates a QuoteHandler.
func NewQuoteHandler(store QuoteSource, logger *slog.Logger) *QuoteHandler {
	return &QuoteHandler{store: store, logger: logHandler(logger, "quote")}
}

// ListQuotes returns the current quote snapshot, optionally filtered by pair.
// GET /api/quotes?pair=ETH/USDC
func (h *QuoteHandler) ListQuotes(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Snapshot()

	pair := domain.AssetPair(r.URL.Query().Get("pair"))
	quotes := make([]domain.Quote, 0, len(snap.Quotes))
	for _, q := range snap.Quotes {
		if pair != "" && q.Pair != pair {
			continue
		}
		quotes = append(quotes, q)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"quotes":   quotes,
		"version":  snap.Version,
		"taken_at": snap.TakenAt,
	})
}
