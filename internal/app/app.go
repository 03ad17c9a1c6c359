// Package app wires configuration into a running arbitrage engine and owns
// the process lifecycle for each operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flasharb/engine/internal/config"
)

// persistTimeout bounds fire-and-forget database writes from registry hooks.
const persistTimeout = 5 * time.Second

// App owns the wired dependency graph and runs it until the context is
// cancelled.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	deps    *Dependencies
	cleanup func()
}

// New creates an App. Nothing is connected until Run.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run wires every configured component and blocks until ctx is cancelled or
// a fatal component error occurs.
func (a *App) Run(ctx context.Context) error {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.deps = deps
	a.cleanup = cleanup

	a.logger.Info("starting",
		slog.String("mode", a.cfg.Mode),
		slog.Int("venue_feeds", len(deps.Feeds)),
		slog.Bool("redis", deps.Redis != nil),
		slog.Bool("postgres", deps.Postgres != nil),
		slog.Bool("archiver", deps.Archiver != nil),
		slog.Bool("server", deps.Server != nil),
	)

	switch a.cfg.Mode {
	case config.ModeScan:
		return a.runScan(ctx)
	case config.ModeTrade:
		return a.runTrade(ctx)
	case config.ModeFull:
		return a.runFull(ctx)
	default:
		return fmt.Errorf("app: unknown mode %q", a.cfg.Mode)
	}
}

// Close releases every resource opened by Run, in reverse wiring order.
func (a *App) Close() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}
