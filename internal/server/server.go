// Package server exposes the engine over HTTP and WebSocket: read endpoints
// for quotes, opportunities, executions, and stats, plus the runtime control
// surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flasharb/engine/internal/domain"
	"github.com/flasharb/engine/internal/server/handler"
	"github.com/flasharb/engine/internal/server/middleware"
	"github.com/flasharb/engine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps requests per client per RateWindow. Zero disables
	// limiting; it also requires a RateLimiter to be set.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health      *handler.HealthHandler
	Quotes      *handler.QuoteHandler
	Opportunity *handler.OpportunityHandler
	Executions  *handler.ExecutionHandler
	Stats       *handler.StatsHandler
	Control     *handler.ControlHandler
}

// Server is the headless HTTP + WebSocket API over the arbitrage engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and builds the middleware chain. wsHub and
// limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/quotes", handlers.Quotes.ListQuotes)

	mux.HandleFunc("GET /api/opportunities", handlers.Opportunity.ListOpportunities)
	mux.HandleFunc("GET /api/opportunities/{id}", handlers.Opportunity.GetOpportunity)
	mux.HandleFunc("POST /api/opportunities/{id}/execute", handlers.Opportunity.Execute)
	mux.HandleFunc("GET /api/opportunities/{id}/executions", handlers.Executions.ListByOpportunity)

	mux.HandleFunc("GET /api/executions", handlers.Executions.ListRecent)

	mux.HandleFunc("GET /api/stats", handlers.Stats.GetStats)
	mux.HandleFunc("GET /api/stats/last-execution", handlers.Stats.LastExecution)
	mux.HandleFunc("GET /api/events", handlers.Stats.ListEvents)

	mux.HandleFunc("GET /api/engine/limits", handlers.Control.GetLimits)
	mux.HandleFunc("PUT /api/engine/limits", handlers.Control.UpdateLimits)
	mux.HandleFunc("PUT /api/engine/scanning", handlers.Control.SetScanning)
	mux.HandleFunc("PUT /api/engine/auto-execute", handlers.Control.SetAutoExecute)

	mux.HandleFunc("POST /api/wallet/connect", handlers.Control.ConnectWallet)
	mux.HandleFunc("POST /api/wallet/disconnect", handlers.Control.DisconnectWallet)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
