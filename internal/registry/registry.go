// Package registry owns the canonical set of live opportunities and is the
// only component that performs status transitions. Mutations are serialized
// per opportunity id; operations on distinct ids proceed in parallel. The
// expiry sweep and ClaimForExecution contend on the same per-id lock, so an
// expired opportunity can never win an execution lease.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flasharb/engine/internal/domain"
	"github.com/flasharb/engine/internal/guard"
)

// GuardFunc evaluates the admission policy for a candidate. The registry
// passes the number of currently executing opportunities; everything else
// (wallet state, limits, gas price) is bound by the caller at wiring time.
type GuardFunc func(opp domain.Opportunity, executing int) guard.Verdict

// RepriceFunc recomputes an opportunity's profitability from the latest quote
// snapshot. It returns false when the cycle can no longer be priced (a venue
// stopped quoting the pair).
type RepriceFunc func(opp domain.Opportunity) (domain.Opportunity, bool)

// WalletFunc reports the wallet's connection state at call time.
type WalletFunc func() guard.WalletState

// Config holds registry tunables.
type Config struct {
	// MaxRetries bounds the Failed->Active retry loop per opportunity.
	MaxRetries int

	// Retention keeps terminal opportunities visible to the stats surface
	// before eviction.
	Retention time.Duration

	// SweepInterval drives the background TTL sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    2,
		Retention:     30 * time.Second,
		SweepInterval: time.Second,
	}
}

// ProposeResult classifies the outcome of a proposal.
type ProposeResult string

const (
	ProposeAccepted     ProposeResult = "accepted"
	ProposeRefreshed    ProposeResult = "refreshed"
	ProposeRejected     ProposeResult = "rejected"
	ProposeDeduplicated ProposeResult = "deduplicated"
)

// TransitionHook observes every committed status transition. Hooks run under
// the entry's lock and must be fast and non-blocking.
type TransitionHook func(opp domain.Opportunity, from, to domain.OpportunityStatus)

// entry pairs an opportunity with its serialization point and lease state.
type entry struct {
	mu    sync.Mutex
	opp   domain.Opportunity
	lease string // uuid token while Executing, empty otherwise
}

// Registry is the single source of truth for opportunity status.
type Registry struct {
	cfg      Config
	guardFn  GuardFunc
	reprice  RepriceFunc
	walletFn WalletFunc
	logger   *slog.Logger

	mu        sync.RWMutex // guards the entries map, never held with entry.mu
	entries   map[string]*entry
	executing int // count of ids currently holding a lease

	hookMu sync.RWMutex
	hooks  []TransitionHook
}

// New creates a Registry. guardFn is required; reprice and walletFn may be
// nil, in which case admission skips revalidation and claim skips the wallet
// gate (tests use this).
func New(cfg Config, guardFn GuardFunc, reprice RepriceFunc, walletFn WalletFunc, logger *slog.Logger) *Registry {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &Registry{
		cfg:      cfg,
		guardFn:  guardFn,
		reprice:  reprice,
		walletFn: walletFn,
		logger:   logger.With(slog.String("component", "registry")),
		entries:  make(map[string]*entry),
	}
}

// OnTransition registers a hook observing every committed transition.
func (r *Registry) OnTransition(h TransitionHook) {
	r.hookMu.Lock()
	r.hooks = append(r.hooks, h)
	r.hookMu.Unlock()
}

func (r *Registry) fireHooks(opp domain.Opportunity, from, to domain.OpportunityStatus) {
	r.hookMu.RLock()
	hooks := r.hooks
	r.hookMu.RUnlock()
	for _, h := range hooks {
		h(opp, from, to)
	}
}

// transition commits a validated edge on a locked entry. The caller must hold
// e.mu. Returns domain.ErrInvalidTransition on an illegal edge.
func (r *Registry) transition(e *entry, to domain.OpportunityStatus) error {
	from := e.opp.Status
	if !domain.CanTransition(from, to) {
		return domain.ErrInvalidTransition
	}
	e.opp.Status = to
	r.logger.Debug("status transition",
		slog.String("opp_id", e.opp.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	r.fireHooks(e.opp, from, to)
	return nil
}

// Propose registers a candidate or refreshes an equivalent live one. A live
// (non-terminal, non-Executing) entry with the same id has its pricing fields
// updated in place: the same cycle observed again with fresher quotes.
func (r *Registry) Propose(cand domain.Opportunity) ProposeResult {
	r.mu.Lock()
	e, exists := r.entries[cand.ID]
	if !exists {
		cand.Status = domain.StatusDetected
		r.entries[cand.ID] = &entry{opp: cand}
		r.mu.Unlock()
		r.fireHooks(cand, "", domain.StatusDetected)
		return ProposeAccepted
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.opp.Status.Terminal():
		// Retained for reporting; the cycle will get a fresh id next epoch.
		return ProposeRejected
	case e.opp.Status == domain.StatusExecuting:
		// Never touch numbers mid-execution.
		return ProposeDeduplicated
	default:
		e.opp.Volume = cand.Volume
		e.opp.GrossProfitBps = cand.GrossProfitBps
		e.opp.NetProfitBps = cand.NetProfitBps
		e.opp.GasEstimate = cand.GasEstimate
		e.opp.SlippageBps = cand.SlippageBps
		e.opp.FlashLoanRequired = cand.FlashLoanRequired
		e.opp.FlashLoanAmount = cand.FlashLoanAmount
		e.opp.SnapshotVer = cand.SnapshotVer
		e.opp.LastRefreshed = time.Now().UTC()
		return ProposeRefreshed
	}
}

// Admit moves a Detected opportunity through Pending and evaluates the guard
// policy: Pending->Active on pass, Pending->Failed(guard_rejected) on fail.
// Profitability is recomputed against the latest snapshot before the verdict
// so a stale candidate is never admitted on old numbers.
func (r *Registry) Admit(id string) (domain.OpportunityStatus, guard.Verdict, error) {
	e, ok := r.get(id)
	if !ok {
		return "", guard.Verdict{}, domain.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opp.Status != domain.StatusDetected {
		return e.opp.Status, guard.Verdict{}, domain.ErrInvalidTransition
	}
	if e.opp.Expired(time.Now().UTC()) {
		_ = r.transition(e, domain.StatusExpired)
		return e.opp.Status, guard.Verdict{}, nil
	}
	if err := r.transition(e, domain.StatusPending); err != nil {
		return e.opp.Status, guard.Verdict{}, err
	}

	if r.reprice != nil {
		if fresh, ok := r.reprice(e.opp); ok {
			e.opp = fresh
		}
	}

	r.mu.RLock()
	executing := r.executing
	r.mu.RUnlock()

	verdict := r.guardFn(e.opp, executing)
	if verdict.Pass {
		err := r.transition(e, domain.StatusActive)
		return e.opp.Status, verdict, err
	}

	e.opp.FailReason = verdict.Reason
	err := r.transition(e, domain.StatusFailed)
	return e.opp.Status, verdict, err
}

// ClaimForExecution atomically transitions Active->Executing and returns an
// exclusive lease. It is the single point enforcing at most one in-flight
// execution per id. A claim on anything but an Active, unexpired opportunity
// returns domain.ErrDuplicateClaim; a disconnected wallet returns
// domain.ErrWalletDisconnected and leaves the opportunity Active.
func (r *Registry) ClaimForExecution(id string) (domain.Lease, error) {
	e, ok := r.get(id)
	if !ok {
		return domain.Lease{}, domain.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opp.Status != domain.StatusActive {
		return domain.Lease{}, domain.ErrDuplicateClaim
	}
	now := time.Now().UTC()
	if e.opp.Expired(now) {
		// Expiry wins the race: the sweep may not have visited yet, but the
		// claim must still lose.
		_ = r.transition(e, domain.StatusExpired)
		return domain.Lease{}, domain.ErrDuplicateClaim
	}
	if r.walletFn != nil {
		if w := r.walletFn(); !w.Connected {
			return domain.Lease{}, domain.ErrWalletDisconnected
		}
	}

	if err := r.transition(e, domain.StatusExecuting); err != nil {
		return domain.Lease{}, err
	}
	e.lease = uuid.New().String()
	e.opp.Attempts++

	r.mu.Lock()
	r.executing++
	r.mu.Unlock()

	return domain.Lease{
		OpportunityID: id,
		Token:         e.lease,
		ClaimedAt:     now,
	}, nil
}

// Release ends an execution attempt. The lease token must match the one
// issued by ClaimForExecution. Outcomes map to: Executed on success; Active
// when the failure reason is retryable and the retry budget remains; terminal
// Failed otherwise.
func (r *Registry) Release(lease domain.Lease, outcome domain.ExecutionOutcome) (domain.OpportunityStatus, error) {
	e, ok := r.get(lease.OpportunityID)
	if !ok {
		return "", domain.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opp.Status != domain.StatusExecuting || e.lease != lease.Token {
		return e.opp.Status, domain.ErrBadLease
	}
	e.lease = ""
	e.opp.LastRefreshed = time.Now().UTC()

	r.mu.Lock()
	r.executing--
	r.mu.Unlock()

	if outcome.Executed {
		e.opp.FailReason = domain.ReasonNone
		err := r.transition(e, domain.StatusExecuted)
		return e.opp.Status, err
	}

	e.opp.FailReason = outcome.Reason
	if err := r.transition(e, domain.StatusFailed); err != nil {
		return e.opp.Status, err
	}
	if outcome.Reason.Retryable() && e.opp.Attempts <= r.cfg.MaxRetries {
		// In-budget retry loops back through the explicit Failed->Active
		// edge, keeping the observed transition sequence honest.
		err := r.transition(e, domain.StatusActive)
		return e.opp.Status, err
	}
	return e.opp.Status, nil
}

// Get returns a copy of the opportunity.
func (r *Registry) Get(id string) (domain.Opportunity, bool) {
	e, ok := r.get(id)
	if !ok {
		return domain.Opportunity{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opp, true
}

// List returns copies of all opportunities in the given statuses, or all when
// no filter is passed. Order is unspecified.
func (r *Registry) List(statuses ...domain.OpportunityStatus) []domain.Opportunity {
	filter := make(map[domain.OpportunityStatus]bool, len(statuses))
	for _, s := range statuses {
		filter[s] = true
	}

	r.mu.RLock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.RUnlock()

	var out []domain.Opportunity
	for _, e := range all {
		e.mu.Lock()
		if len(filter) == 0 || filter[e.opp.Status] {
			out = append(out, e.opp)
		}
		e.mu.Unlock()
	}
	return out
}

// ExecutingCount returns the number of ids currently holding a lease.
func (r *Registry) ExecutingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executing
}

// Sweep expires overdue opportunities and evicts terminal ones past the
// retention window. Executing opportunities are exempt from expiry: in-flight
// execution runs to completion under its own timeout.
func (r *Registry) Sweep(now time.Time) (expired, evicted int) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		e, ok := r.get(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		switch {
		case e.opp.Status.Terminal():
			ref := e.opp.LastRefreshed
			if ref.IsZero() {
				ref = e.opp.CreatedAt
			}
			if now.Sub(ref) > r.cfg.Retention {
				e.mu.Unlock()
				r.mu.Lock()
				delete(r.entries, id)
				r.mu.Unlock()
				evicted++
				continue
			}
		case e.opp.Status != domain.StatusExecuting && e.opp.Expired(now):
			if err := r.transition(e, domain.StatusExpired); err == nil {
				e.opp.LastRefreshed = now
				expired++
			}
		}
		e.mu.Unlock()
	}
	return expired, evicted
}

// Run drives the background sweep until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	r.logger.Info("registry sweep started", slog.Duration("interval", r.cfg.SweepInterval))
	defer r.logger.Info("registry sweep stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, evicted := r.Sweep(time.Now().UTC())
			if expired > 0 || evicted > 0 {
				r.logger.Debug("sweep pass",
					slog.Int("expired", expired),
					slog.Int("evicted", evicted),
				)
			}
		}
	}
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}
