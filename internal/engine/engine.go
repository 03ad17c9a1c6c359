// Package engine composes the quote store, path finder, registry, and
// execution coordinator into one controllable unit. Detection is event
// driven: quote updates trigger a debounced scan, with a periodic tick as a
// safety net for quiet feeds.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flasharb/engine/internal/domain"
	"github.com/flasharb/engine/internal/executor"
	"github.com/flasharb/engine/internal/guard"
	"github.com/flasharb/engine/internal/pathfinder"
	"github.com/flasharb/engine/internal/quote"
	"github.com/flasharb/engine/internal/registry"
	"github.com/flasharb/engine/internal/stats"
)

// Config holds engine-level tunables.
type Config struct {
	// ScanInterval is the periodic detection fallback when no quote updates
	// arrive.
	ScanInterval time.Duration

	// ScanDebounce coalesces bursts of quote updates into one detection run.
	ScanDebounce time.Duration

	// ExecQueueSize bounds the claimable-id queue between detection and the
	// coordinator. Overflow drops the id; re-detection will requeue it.
	ExecQueueSize int

	// GasPollInterval drives the background gas price refresh.
	GasPollInterval time.Duration

	// Limits seeds the guard policy; each field is runtime adjustable.
	Limits guard.Limits

	// AutoExecute starts the engine with automatic execution on. It still
	// requires a connected wallet to take effect.
	AutoExecute bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:    2 * time.Second,
		ScanDebounce:    100 * time.Millisecond,
		ExecQueueSize:   64,
		GasPollInterval: 15 * time.Second,
		Limits: guard.Limits{
			MinProfitBps:            30,
			MaxGasPriceGwei:         100,
			MaxSlippageBps:          50,
			MaxConcurrentExecutions: 3,
		},
	}
}

// ErrWalletRequired is returned when auto-execution is enabled without a
// connected wallet.
var ErrWalletRequired = errors.New("engine: auto-execute requires a connected wallet")

// ErrNotRunning is returned by Stop when the engine was never started.
var ErrNotRunning = errors.New("engine: not running")

// Engine is the control surface over the detection and execution pipeline.
type Engine struct {
	cfg    Config
	store  *quote.Store
	finder *pathfinder.Finder
	reg    *registry.Registry
	coord  *executor.Coordinator
	sink   *stats.Sink
	chain  domain.ChainClient // nil in scan-only mode
	logger *slog.Logger

	execCh  chan string
	trigger chan struct{}

	mu           sync.Mutex
	limits       guard.Limits
	autoExecute  bool
	scanning     bool
	wallet       guard.WalletState
	handle       domain.WalletHandle
	gasPriceGwei float64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires an Engine. chain and builder may be nil for scan-only mode, in
// which case no coordinator is created and auto-execution cannot be enabled.
func New(
	cfg Config,
	store *quote.Store,
	finder *pathfinder.Finder,
	sink *stats.Sink,
	regCfg registry.Config,
	execCfg executor.Config,
	chain domain.ChainClient,
	builder domain.TxBuilder,
	logger *slog.Logger,
) *Engine {
	if cfg.ExecQueueSize <= 0 {
		cfg.ExecQueueSize = 64
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 2 * time.Second
	}
	if cfg.ScanDebounce <= 0 {
		cfg.ScanDebounce = 100 * time.Millisecond
	}

	e := &Engine{
		cfg:     cfg,
		store:   store,
		finder:  finder,
		sink:    sink,
		chain:   chain,
		logger:  logger.With(slog.String("component", "engine")),
		execCh:  make(chan string, cfg.ExecQueueSize),
		trigger: make(chan struct{}, 1),
		limits:  cfg.Limits,
	}

	reprice := func(opp domain.Opportunity) (domain.Opportunity, bool) {
		return finder.Reprice(opp, store.Snapshot())
	}
	guardFn := func(opp domain.Opportunity, executing int) guard.Verdict {
		e.mu.Lock()
		limits, wallet, gas := e.limits, e.wallet, e.gasPriceGwei
		e.mu.Unlock()
		if e.coord == nil {
			// Observation-only deployments admit on economics alone; the
			// wallet gate belongs to execution.
			wallet = guard.WalletState{Connected: true, Authorized: true}
		}
		return guard.Evaluate(opp, wallet, limits, gas, executing)
	}
	walletFn := func() guard.WalletState {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.wallet
	}

	e.reg = registry.New(regCfg, guardFn, reprice, walletFn, logger)
	e.reg.OnTransition(sink.ObserveTransition)

	if chain != nil && builder != nil {
		handleFn := func() (domain.WalletHandle, bool) {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.handle, e.wallet.Connected
		}
		e.coord = executor.New(execCfg, e.reg, chain, builder, reprice, handleFn, e.execCh, logger)
		e.coord.SetObserver(sink)
	}

	store.SetUpdateHook(func(domain.AssetPair) { e.requestScan() })
	return e
}

// Registry exposes the opportunity registry to read-only surfaces.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Coordinator returns the execution coordinator, nil in scan-only mode.
func (e *Engine) Coordinator() *executor.Coordinator { return e.coord }

// Start launches the background loops. It returns immediately; the engine
// runs until Stop or ctx cancellation.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return errors.New("engine: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	e.mu.Lock()
	e.scanning = true
	e.autoExecute = e.cfg.AutoExecute && e.wallet.Connected && e.coord != nil
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.reg.Run(gctx) })
	g.Go(func() error { return e.scanLoop(gctx) })
	if e.coord != nil {
		g.Go(func() error { return e.coord.Run(gctx) })
	}
	if e.chain != nil && e.cfg.GasPollInterval > 0 {
		g.Go(func() error { return e.gasLoop(gctx) })
	}

	go func() {
		defer close(e.done)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("engine loop exited", slog.String("error", err.Error()))
		}
	}()

	e.logger.Info("engine started",
		slog.Bool("auto_execute", e.AutoExecute()),
		slog.Bool("execution_enabled", e.coord != nil),
	)
	e.sink.Log(domain.LogInfo, "engine started", nil)
	return nil
}

// Stop halts scanning and drains in-flight executions before returning.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.runMu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}

	e.mu.Lock()
	e.scanning = false
	e.mu.Unlock()

	cancel()
	<-done

	e.logger.Info("engine stopped")
	e.sink.Log(domain.LogInfo, "engine stopped", nil)
	return nil
}

// requestScan schedules a detection run, coalescing concurrent requests.
func (e *Engine) requestScan() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// scanLoop runs detection on quote updates (debounced) and on the periodic
// fallback tick.
func (e *Engine) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.trigger:
			// Let the burst settle so one pass sees all of it.
			timer := time.NewTimer(e.cfg.ScanDebounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			e.DetectOnce()
		case <-ticker.C:
			e.DetectOnce()
		}
	}
}

// DetectOnce runs one detection pass: snapshot, search, propose, admit, and
// queue admitted ids for execution when auto-execute is on.
func (e *Engine) DetectOnce() {
	e.mu.Lock()
	scanning := e.scanning
	e.mu.Unlock()
	if !scanning {
		return
	}

	snap := e.store.Snapshot()
	candidates := e.finder.FindOpportunities(snap)
	if len(candidates) == 0 {
		return
	}

	admitted := 0
	for _, cand := range candidates {
		res := e.reg.Propose(cand)
		if res != registry.ProposeAccepted && res != registry.ProposeRefreshed {
			continue
		}
		if res == registry.ProposeAccepted {
			e.sink.Log(domain.LogInfo, "opportunity detected", map[string]any{
				"opp_id":     cand.ID,
				"pair":       string(cand.Pair),
				"path":       cand.PathString(),
				"net_bps":    cand.NetProfitBps,
				"volume":     cand.Volume,
				"flash_loan": cand.FlashLoanRequired,
			})
			status, verdict, err := e.reg.Admit(cand.ID)
			if err != nil || status != domain.StatusActive {
				if !verdict.Pass && verdict.Reason != domain.ReasonNone {
					e.sink.Log(domain.LogWarning, "opportunity rejected", map[string]any{
						"opp_id": cand.ID,
						"reason": string(verdict.Reason),
						"detail": verdict.Detail,
					})
				}
				continue
			}
			admitted++
		}
		e.maybeQueue(cand.ID)
	}

	e.logger.Debug("detection pass",
		slog.Uint64("snapshot_version", snap.Version),
		slog.Int("candidates", len(candidates)),
		slog.Int("admitted", admitted),
	)
}

// maybeQueue enqueues an Active opportunity for execution when auto-execute
// is on. The queue is lossy: a dropped id is re-queued on the next pass.
func (e *Engine) maybeQueue(id string) {
	if !e.AutoExecute() || e.coord == nil {
		return
	}
	if opp, ok := e.reg.Get(id); !ok || opp.Status != domain.StatusActive {
		return
	}
	select {
	case e.execCh <- id:
	default:
		e.logger.Warn("execution queue full, dropping", slog.String("opp_id", id))
	}
}

// gasLoop keeps the guard's gas price input current.
func (e *Engine) gasLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.GasPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			price, err := e.chain.GasPrice(ctx)
			if err != nil {
				e.logger.Debug("gas price poll failed", slog.String("error", err.Error()))
				continue
			}
			e.mu.Lock()
			e.gasPriceGwei = weiToGwei(price)
			e.mu.Unlock()
		}
	}
}

// ConnectWallet establishes the wallet session and marks it authorized for
// flash loans.
func (e *Engine) ConnectWallet(ctx context.Context) (domain.WalletHandle, error) {
	if e.chain == nil {
		return domain.WalletHandle{}, errors.New("engine: no chain client configured")
	}
	handle, err := e.chain.Connect(ctx)
	if err != nil {
		return domain.WalletHandle{}, err
	}

	e.mu.Lock()
	e.handle = handle
	e.wallet = guard.WalletState{Connected: true, Authorized: true}
	e.mu.Unlock()

	e.sink.Log(domain.LogSuccess, "wallet connected", map[string]any{
		"address": handle.Address.Hex(),
	})
	return handle, nil
}

// DisconnectWallet drops the wallet session. Auto-execution is forced off;
// Active opportunities stay Active and become claimable again on reconnect.
func (e *Engine) DisconnectWallet() {
	e.mu.Lock()
	e.wallet = guard.WalletState{}
	e.handle = domain.WalletHandle{}
	forced := e.autoExecute
	e.autoExecute = false
	e.mu.Unlock()

	fields := map[string]any{}
	if forced {
		fields["auto_execute"] = "disabled"
		e.logger.Warn("wallet disconnected, auto-execute disabled")
	}
	e.sink.Log(domain.LogWarning, "wallet disconnected", fields)
}

// SetAutoExecute toggles automatic execution of admitted opportunities.
// Enabling requires a connected wallet and an execution coordinator.
func (e *Engine) SetAutoExecute(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on && (!e.wallet.Connected || e.coord == nil) {
		return ErrWalletRequired
	}
	e.autoExecute = on
	return nil
}

// AutoExecute reports whether automatic execution is on.
func (e *Engine) AutoExecute() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoExecute
}

// SetScanning pauses or resumes detection without tearing down the engine.
func (e *Engine) SetScanning(on bool) {
	e.mu.Lock()
	e.scanning = on
	e.mu.Unlock()
	if on {
		e.requestScan()
	}
}

// SetMinProfitThreshold adjusts the guard's minimum net profit, in basis
// points. Takes effect on the next admission.
func (e *Engine) SetMinProfitThreshold(bps float64) {
	e.mu.Lock()
	e.limits.MinProfitBps = bps
	e.mu.Unlock()
	e.sink.Log(domain.LogInfo, "min profit threshold updated", map[string]any{"bps": bps})
}

// SetMaxGasPrice adjusts the guard's gas price ceiling in gwei.
func (e *Engine) SetMaxGasPrice(gwei float64) {
	e.mu.Lock()
	e.limits.MaxGasPriceGwei = gwei
	e.mu.Unlock()
}

// SetMaxSlippage adjusts the guard's slippage ceiling in basis points.
func (e *Engine) SetMaxSlippage(bps float64) {
	e.mu.Lock()
	e.limits.MaxSlippageBps = bps
	e.mu.Unlock()
}

// Limits returns the current guard limits.
func (e *Engine) Limits() guard.Limits {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limits
}

// ExecuteNow queues one specific Active opportunity for execution,
// bypassing the auto-execute flag. Used by the manual execution surface.
func (e *Engine) ExecuteNow(id string) error {
	if e.coord == nil {
		return errors.New("engine: execution not configured")
	}
	opp, ok := e.reg.Get(id)
	if !ok {
		return domain.ErrNotFound
	}
	if opp.Status != domain.StatusActive {
		return domain.ErrInvalidTransition
	}
	select {
	case e.execCh <- id:
		return nil
	default:
		return errors.New("engine: execution queue full")
	}
}

// Stats assembles the live engine statistics.
func (e *Engine) Stats() domain.EngineStats {
	e.mu.Lock()
	scanning, auto, connected := e.scanning, e.autoExecute, e.wallet.Connected
	e.mu.Unlock()

	active := len(e.reg.List(domain.StatusActive))
	return e.sink.Snapshot(active, e.reg.ExecutingCount(), scanning, auto, connected)
}

func weiToGwei(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return f
}
