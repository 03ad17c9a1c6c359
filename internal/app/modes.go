package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

// runScan operates the engine in observation mode. Opportunities are
// detected, admitted, and expired, but never executed.
func (a *App) runScan(ctx context.Context) error {
	return a.runCore(ctx)
}

// runTrade operates the engine with execution enabled. The wallet session is
// established before the loops start so auto-execute can engage immediately.
func (a *App) runTrade(ctx context.Context) error {
	if err := a.connectWallet(ctx); err != nil {
		return err
	}
	return a.runCore(ctx)
}

// runFull is trade mode with every configured sidecar expected to be on.
func (a *App) runFull(ctx context.Context) error {
	if a.deps.Server == nil {
		a.logger.Warn("full mode without the API server; enable [server] to expose the control surface")
	}
	if err := a.connectWallet(ctx); err != nil {
		return err
	}
	return a.runCore(ctx)
}

func (a *App) connectWallet(ctx context.Context) error {
	handle, err := a.deps.Engine.ConnectWallet(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("wallet connected", slog.String("address", handle.Address.Hex()))
	return nil
}

// runCore starts the engine and every wired background loop, then blocks
// until ctx is cancelled or a loop fails.
func (a *App) runCore(ctx context.Context) error {
	deps := a.deps

	g, gctx := errgroup.WithContext(ctx)

	if err := deps.Engine.Start(gctx); err != nil {
		return err
	}
	defer func() {
		if err := deps.Engine.Stop(); err != nil {
			a.logger.Warn("engine stop", slog.String("error", err.Error()))
		}
	}()

	for _, f := range deps.Feeds {
		g.Go(func() error { return f.Run(gctx) })
	}
	if ch := a.cfg.Feed.BusChannel; ch != "" {
		g.Go(func() error { return deps.Bridge.RunBusIngest(gctx, ch) })
	}

	if deps.Hub != nil {
		g.Go(func() error { return deps.Hub.Run(gctx) })
	}

	if deps.Server != nil {
		g.Go(deps.Server.Start)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := deps.Server.Shutdown(sctx); err != nil {
				a.logger.Warn("server shutdown", slog.String("error", err.Error()))
			}
			return gctx.Err()
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiver(gctx) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runArchiver periodically moves rows older than the retention window from
// Postgres to object storage.
func (a *App) runArchiver(ctx context.Context) error {
	interval := a.cfg.S3.ArchiveInterval.Duration
	if interval <= 0 {
		interval = time.Hour
	}
	retention := time.Duration(a.cfg.S3.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if err := a.deps.Archiver.ArchiveBefore(ctx, cutoff); err != nil {
				a.logger.Warn("archive sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
