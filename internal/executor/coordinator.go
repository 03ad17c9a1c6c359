// Package executor drives claimed opportunities through the execution
// pipeline: revalidate against fresh quotes, simulate, submit, and poll for
// confirmation. Concurrency is capped by a weighted semaphore; every attempt
// ends with exactly one Release against the registry lease.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/flasharb/engine/internal/domain"
	"github.com/flasharb/engine/internal/registry"
)

// Observer receives execution results for accounting and telemetry. Both
// methods must be non-blocking.
type Observer interface {
	RecordExecution(opp domain.Opportunity, outcome domain.ExecutionOutcome)
	Log(level domain.LogLevel, message string, fields map[string]any)
}

// HandleFunc returns the current wallet handle, or false when disconnected.
type HandleFunc func() (domain.WalletHandle, bool)

// Config holds coordinator tunables.
type Config struct {
	// MaxConcurrent caps simultaneous in-flight executions.
	MaxConcurrent int64

	// ExecutionTimeout bounds one full attempt, submission and confirmation
	// included. An attempt cut off by this deadline fails with timeout.
	ExecutionTimeout time.Duration

	// ConfirmPollInterval is the receipt polling cadence after submission.
	ConfirmPollInterval time.Duration

	// MinNetProfitBps aborts the attempt with stale_quote when revalidation
	// drops the net below this floor.
	MinNetProfitBps float64

	// LockTTL bounds the optional cross-process execution fence.
	LockTTL time.Duration

	// ETHPriceUSD converts realized wei amounts for reporting.
	ETHPriceUSD float64
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       3,
		ExecutionTimeout:    30 * time.Second,
		ConfirmPollInterval: 500 * time.Millisecond,
		MinNetProfitBps:     1,
		LockTTL:             45 * time.Second,
		ETHPriceUSD:         3000,
	}
}

// Coordinator consumes opportunity ids and executes them one attempt at a
// time. Claims, lease handling, and retry budgeting stay in the registry; the
// coordinator only reports outcomes.
type Coordinator struct {
	cfg      Config
	reg      *registry.Registry
	chain    domain.ChainClient
	builder  domain.TxBuilder
	reprice  registry.RepriceFunc
	handleFn HandleFunc

	store    domain.ExecutionStore // optional audit trail
	locks    domain.LockManager    // optional cross-process fence
	observer Observer              // optional

	in     <-chan string
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a Coordinator reading claimable opportunity ids from in.
func New(
	cfg Config,
	reg *registry.Registry,
	chain domain.ChainClient,
	builder domain.TxBuilder,
	reprice registry.RepriceFunc,
	handleFn HandleFunc,
	in <-chan string,
	logger *slog.Logger,
) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 30 * time.Second
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 500 * time.Millisecond
	}
	return &Coordinator{
		cfg:      cfg,
		reg:      reg,
		chain:    chain,
		builder:  builder,
		reprice:  reprice,
		handleFn: handleFn,
		in:       in,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// SetExecutionStore enables persistence of per-attempt execution records.
// Store failures are logged and never fail the attempt.
func (c *Coordinator) SetExecutionStore(store domain.ExecutionStore) {
	c.store = store
}

// SetLockManager enables a distributed per-opportunity execution fence for
// multi-process deployments.
func (c *Coordinator) SetLockManager(locks domain.LockManager) {
	c.locks = locks
}

// SetObserver wires the stats surface.
func (c *Coordinator) SetObserver(obs Observer) {
	c.observer = obs
}

// Run consumes opportunity ids until ctx is done, then waits for in-flight
// attempts to finish. In-flight attempts run under their own execution
// timeout, so the drain is bounded.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("execution coordinator started",
		slog.Int64("max_concurrent", c.cfg.MaxConcurrent),
		slog.Duration("execution_timeout", c.cfg.ExecutionTimeout),
	)
	defer c.logger.Info("execution coordinator stopped")

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()

		case id, ok := <-c.in:
			if !ok {
				c.wg.Wait()
				return nil
			}
			if err := c.sem.Acquire(ctx, 1); err != nil {
				c.wg.Wait()
				return err
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer c.sem.Release(1)
				c.Execute(id)
			}()
		}
	}
}

// Execute runs one execution attempt for the given opportunity id. The claim
// may lose benignly (already executing, expired, wallet disconnected); only a
// won claim proceeds to the chain.
func (c *Coordinator) Execute(id string) {
	log := c.logger.With(slog.String("opp_id", id))

	lease, err := c.reg.ClaimForExecution(id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicateClaim), errors.Is(err, domain.ErrNotFound):
			log.Debug("claim lost", slog.String("error", err.Error()))
		case errors.Is(err, domain.ErrWalletDisconnected):
			log.Warn("claim blocked, wallet disconnected")
		default:
			log.Error("claim failed", slog.String("error", err.Error()))
		}
		return
	}

	opp, _ := c.reg.Get(id)
	log = log.With(slog.Int("attempt", opp.Attempts))

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ExecutionTimeout)
	outcome := c.attempt(ctx, log, opp)
	cancel()

	status, err := c.reg.Release(lease, outcome)
	if err != nil {
		log.Error("lease release failed", slog.String("error", err.Error()))
		return
	}

	c.record(opp, outcome, status)

	if outcome.Executed {
		log.Info("execution confirmed",
			slog.String("tx", outcome.TxRef),
			slog.Float64("profit_bps", outcome.RealizedProfitBps),
			slog.Float64("profit_usd", outcome.RealizedProfitUSD),
		)
	} else {
		log.Warn("execution failed",
			slog.String("reason", string(outcome.Reason)),
			slog.String("status", string(status)),
		)
	}
}

// attempt runs the pipeline for a claimed opportunity and maps every failure
// onto the reason taxonomy. It never transitions status itself.
func (c *Coordinator) attempt(ctx context.Context, log *slog.Logger, opp domain.Opportunity) domain.ExecutionOutcome {
	if c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, "exec:"+opp.ID, c.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				// Another process is on it; back off and let the retry
				// budget decide.
				return domain.ExecutionOutcome{Reason: domain.ReasonTimeout}
			}
			return domain.ExecutionOutcome{Reason: domain.ReasonSubmissionFailed}
		}
		defer unlock()
	}

	// Revalidate against the freshest snapshot before touching the chain.
	if c.reprice != nil {
		fresh, ok := c.reprice(opp)
		if !ok || fresh.NetProfitBps < c.cfg.MinNetProfitBps {
			return domain.ExecutionOutcome{Reason: domain.ReasonStaleQuote}
		}
		opp = fresh
	}

	handle, connected := c.handleFn()
	if !connected {
		return domain.ExecutionOutcome{Reason: domain.ReasonWalletDisconnected}
	}

	tx, err := c.builder.Build(ctx, opp, handle)
	if err != nil {
		log.Error("tx build failed", slog.String("error", err.Error()))
		return domain.ExecutionOutcome{Reason: domain.ReasonSubmissionFailed}
	}

	sim, err := c.chain.Simulate(ctx, tx)
	if err != nil {
		return domain.ExecutionOutcome{Reason: reasonForErr(err, domain.ReasonSimulationFailed)}
	}
	if !sim.OK {
		log.Warn("simulation reverted", slog.String("revert", sim.RevertReason))
		return domain.ExecutionOutcome{Reason: domain.ReasonSimulationFailed}
	}

	txRef, err := c.chain.Submit(ctx, tx)
	if err != nil {
		if errors.Is(err, domain.ErrWalletDisconnected) {
			return domain.ExecutionOutcome{Reason: domain.ReasonWalletDisconnected}
		}
		return domain.ExecutionOutcome{Reason: reasonForErr(err, domain.ReasonSubmissionFailed)}
	}
	log.Info("transaction submitted", slog.String("tx", txRef.Hex()))

	return c.awaitConfirmation(ctx, log, opp, tx, txRef)
}

// awaitConfirmation polls the receipt until confirmed, reverted, or the
// attempt deadline hits.
func (c *Coordinator) awaitConfirmation(ctx context.Context, log *slog.Logger, opp domain.Opportunity, tx domain.ArbTx, txRef common.Hash) domain.ExecutionOutcome {
	ticker := time.NewTicker(c.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return domain.ExecutionOutcome{Reason: domain.ReasonTimeout, TxRef: txRef.Hex()}
		case <-ticker.C:
		}

		conf, err := c.chain.ConfirmationStatus(ctx, txRef)
		if err != nil {
			if ctx.Err() != nil {
				return domain.ExecutionOutcome{Reason: domain.ReasonTimeout, TxRef: txRef.Hex()}
			}
			log.Debug("receipt poll failed", slog.String("error", err.Error()))
			continue
		}

		switch conf.State {
		case domain.ConfirmationPending:
			continue
		case domain.ConfirmationReverted:
			log.Warn("transaction reverted", slog.String("tx", txRef.Hex()))
			return domain.ExecutionOutcome{Reason: domain.ReasonSubmissionFailed, TxRef: txRef.Hex()}
		case domain.ConfirmationConfirmed:
			return c.confirmedOutcome(opp, tx, txRef, conf)
		}
	}
}

// confirmedOutcome converts the on-chain result into reporting numbers.
// Realized profit comes only from the receipt; a confirmation that carries no
// profit figure reports zero realized. The pre-trade estimate stays in the
// execution record's expected column.
func (c *Coordinator) confirmedOutcome(opp domain.Opportunity, tx domain.ArbTx, txRef common.Hash, conf domain.Confirmation) domain.ExecutionOutcome {
	out := domain.ExecutionOutcome{
		Executed: true,
		TxRef:    txRef.Hex(),
	}

	if conf.ProfitWei != nil && conf.ProfitWei.Sign() > 0 {
		usd := weiToEth(conf.ProfitWei) * c.cfg.ETHPriceUSD
		out.RealizedProfitUSD = usd
		if opp.Volume > 0 {
			out.RealizedProfitBps = usd / opp.Volume * 10000
		}
	}

	if tx.GasPriceWei != nil {
		spent := new(big.Int).Mul(tx.GasPriceWei, new(big.Int).SetUint64(conf.GasUsed))
		out.GasSpent = weiToEth(spent) * c.cfg.ETHPriceUSD
	}
	return out
}

// record persists the attempt and notifies the observer. Both are
// best-effort.
func (c *Coordinator) record(opp domain.Opportunity, outcome domain.ExecutionOutcome, status domain.OpportunityStatus) {
	if c.observer != nil {
		c.observer.RecordExecution(opp, outcome)
		if outcome.Executed {
			c.observer.Log(domain.LogSuccess, "arbitrage executed", map[string]any{
				"opp_id":     opp.ID,
				"tx":         outcome.TxRef,
				"profit_bps": outcome.RealizedProfitBps,
				"profit_usd": outcome.RealizedProfitUSD,
			})
		} else {
			c.observer.Log(domain.LogWarning, "execution attempt failed", map[string]any{
				"opp_id": opp.ID,
				"reason": string(outcome.Reason),
				"status": string(status),
			})
		}
	}

	if c.store == nil {
		return
	}
	now := time.Now().UTC()
	rec := domain.ExecutionRecord{
		ID:            uuid.New().String(),
		OpportunityID: opp.ID,
		Attempt:       opp.Attempts,
		Pair:          opp.Pair,
		Path:          opp.PathString(),
		Volume:        opp.Volume,
		ExpectedBps:   opp.NetProfitBps,
		RealizedBps:   outcome.RealizedProfitBps,
		TxRef:         outcome.TxRef,
		Outcome:       string(status),
		Reason:        outcome.Reason,
		SubmittedAt:   now,
	}
	if outcome.Executed {
		rec.ConfirmedAt = &now
	} else {
		rec.RealizedBps = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Insert(ctx, rec); err != nil {
		c.logger.Warn("execution record insert failed",
			slog.String("opp_id", opp.ID),
			slog.String("error", err.Error()),
		)
	}
}

// reasonForErr maps a pipeline error to a failure reason, promoting context
// expiry to timeout.
func reasonForErr(err error, fallback domain.FailReason) domain.FailReason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.ReasonTimeout
	}
	return fallback
}

func weiToEth(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return f
}
