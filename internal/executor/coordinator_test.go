package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharb/engine/internal/domain"
	"github.com/flasharb/engine/internal/guard"
	"github.com/flasharb/engine/internal/registry"
)

// fakeChain scripts the chain collaborator. Confirmations are popped per
// poll; the last one repeats.
type fakeChain struct {
	mu            sync.Mutex
	simResult     domain.SimulationResult
	simErr        error
	submitErr     error
	confirmations []domain.Confirmation

	simCalls    int
	submitCalls int
}

func (f *fakeChain) Connect(context.Context) (domain.WalletHandle, error) {
	return domain.WalletHandle{}, nil
}
func (f *fakeChain) Connected() bool { return true }
func (f *fakeChain) Balance(context.Context, domain.WalletHandle) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeChain) GasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(20e9), nil
}

func (f *fakeChain) Simulate(context.Context, domain.ArbTx) (domain.SimulationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simCalls++
	return f.simResult, f.simErr
}

func (f *fakeChain) Submit(context.Context, domain.ArbTx) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	return common.HexToHash("0xabc123"), nil
}

func (f *fakeChain) ConfirmationStatus(context.Context, common.Hash) (domain.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.confirmations) == 0 {
		return domain.Confirmation{State: domain.ConfirmationPending}, nil
	}
	conf := f.confirmations[0]
	if len(f.confirmations) > 1 {
		f.confirmations = f.confirmations[1:]
	}
	return conf, nil
}

func (f *fakeChain) counts() (sim, submit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.simCalls, f.submitCalls
}

type fakeBuilder struct{}

func (fakeBuilder) Build(_ context.Context, opp domain.Opportunity, handle domain.WalletHandle) (domain.ArbTx, error) {
	return domain.ArbTx{
		From:        handle.Address,
		GasLimit:    500_000,
		GasPriceWei: big.NewInt(20e9),
	}, nil
}

type fakeObserver struct {
	mu       sync.Mutex
	outcomes []domain.ExecutionOutcome
}

func (f *fakeObserver) RecordExecution(_ domain.Opportunity, out domain.ExecutionOutcome) {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, out)
	f.mu.Unlock()
}
func (f *fakeObserver) Log(domain.LogLevel, string, map[string]any) {}

func (f *fakeObserver) last() (domain.ExecutionOutcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outcomes) == 0 {
		return domain.ExecutionOutcome{}, false
	}
	return f.outcomes[len(f.outcomes)-1], true
}

type memStore struct {
	mu      sync.Mutex
	records []domain.ExecutionRecord
}

func (m *memStore) Insert(_ context.Context, rec domain.ExecutionRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}
func (m *memStore) ListByOpportunity(context.Context, string) ([]domain.ExecutionRecord, error) {
	return nil, nil
}
func (m *memStore) ListRecent(context.Context, int) ([]domain.ExecutionRecord, error) {
	return nil, nil
}
func (m *memStore) ListBefore(context.Context, time.Time, int) ([]domain.ExecutionRecord, error) {
	return nil, nil
}
func (m *memStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type harness struct {
	reg   *registry.Registry
	chain *fakeChain
	coord *Coordinator
	obs   *fakeObserver
	store *memStore
}

func newHarness(t *testing.T, cfg Config, reprice registry.RepriceFunc) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	passAll := func(domain.Opportunity, int) guard.Verdict { return guard.Verdict{Pass: true} }
	reg := registry.New(registry.DefaultConfig(), passAll, nil, nil, logger)

	chain := &fakeChain{
		simResult: domain.SimulationResult{OK: true, GasUsed: 400_000},
		confirmations: []domain.Confirmation{
			{State: domain.ConfirmationPending},
			{State: domain.ConfirmationConfirmed, GasUsed: 380_000},
		},
	}

	handleFn := func() (domain.WalletHandle, bool) {
		return domain.WalletHandle{Address: common.HexToAddress("0x1")}, true
	}

	coord := New(cfg, reg, chain, fakeBuilder{}, reprice, handleFn, nil, logger)
	obs := &fakeObserver{}
	store := &memStore{}
	coord.SetObserver(obs)
	coord.SetExecutionStore(store)

	return &harness{reg: reg, chain: chain, coord: coord, obs: obs, store: store}
}

// seedActive places an opportunity in Active status, ready to claim.
func (h *harness) seedActive(t *testing.T, id string) domain.Opportunity {
	t.Helper()
	opp := domain.Opportunity{
		ID:           id,
		Pair:         "ETH/USDC",
		Volume:       10_000,
		NetProfitBps: 120,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(time.Minute),
		Path: []domain.Hop{
			{Venue: "uniswap", Pair: "ETH/USDC", Invert: true},
			{Venue: "sushiswap", Pair: "ETH/USDC"},
		},
	}
	require.Equal(t, registry.ProposeAccepted, h.reg.Propose(opp))
	status, _, err := h.reg.Admit(id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, status)
	return opp
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ExecutionTimeout = 2 * time.Second
	cfg.ConfirmPollInterval = 5 * time.Millisecond
	return cfg
}

func TestExecuteConfirmedEndsExecuted(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.seedActive(t, "opp-1")

	h.coord.Execute("opp-1")

	opp, ok := h.reg.Get("opp-1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusExecuted, opp.Status)
	assert.Equal(t, 1, opp.Attempts)

	out, ok := h.obs.last()
	require.True(t, ok)
	assert.True(t, out.Executed)
	assert.NotEmpty(t, out.TxRef)

	require.Len(t, h.store.records, 1)
	rec := h.store.records[0]
	assert.Equal(t, "opp-1", rec.OpportunityID)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, string(domain.StatusExecuted), rec.Outcome)
	require.NotNil(t, rec.ConfirmedAt)
}

func TestConfirmationWithoutProfitReportsZeroRealized(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	// The default receipt carries no profit figure; the 120 bps estimate must
	// stay an estimate, never be presented as realized.
	h.seedActive(t, "opp-1")

	h.coord.Execute("opp-1")

	out, ok := h.obs.last()
	require.True(t, ok)
	assert.True(t, out.Executed)
	assert.Zero(t, out.RealizedProfitBps)
	assert.Zero(t, out.RealizedProfitUSD)

	require.Len(t, h.store.records, 1)
	rec := h.store.records[0]
	assert.Equal(t, 120.0, rec.ExpectedBps)
	assert.Zero(t, rec.RealizedBps)
}

func TestStaleQuoteAbortsBeforeChain(t *testing.T) {
	collapse := func(opp domain.Opportunity) (domain.Opportunity, bool) {
		opp.NetProfitBps = -5
		return opp, true
	}
	h := newHarness(t, fastConfig(), collapse)
	h.seedActive(t, "opp-1")

	h.coord.Execute("opp-1")

	opp, _ := h.reg.Get("opp-1")
	assert.Equal(t, domain.StatusFailed, opp.Status)
	assert.Equal(t, domain.ReasonStaleQuote, opp.FailReason)

	sim, submit := h.chain.counts()
	assert.Zero(t, sim, "stale quote must abort before simulation")
	assert.Zero(t, submit)
}

func TestUnpriceableCycleIsStaleQuote(t *testing.T) {
	gone := func(domain.Opportunity) (domain.Opportunity, bool) {
		return domain.Opportunity{}, false
	}
	h := newHarness(t, fastConfig(), gone)
	h.seedActive(t, "opp-1")

	h.coord.Execute("opp-1")

	opp, _ := h.reg.Get("opp-1")
	assert.Equal(t, domain.StatusFailed, opp.Status)
	assert.Equal(t, domain.ReasonStaleQuote, opp.FailReason)
}

func TestSimulationRevertRetriesToActive(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.chain.simResult = domain.SimulationResult{OK: false, RevertReason: "insufficient output"}
	h.seedActive(t, "opp-1")

	h.coord.Execute("opp-1")

	opp, _ := h.reg.Get("opp-1")
	assert.Equal(t, domain.StatusActive, opp.Status, "simulation failure is retryable in budget")
	assert.Equal(t, domain.ReasonSimulationFailed, opp.FailReason)
	assert.Equal(t, 1, opp.Attempts)

	_, submit := h.chain.counts()
	assert.Zero(t, submit, "failed simulation must not submit")
}

func TestSubmissionErrorRetriesToActive(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.chain.submitErr = errors.New("nonce too low")
	h.seedActive(t, "opp-1")

	h.coord.Execute("opp-1")

	opp, _ := h.reg.Get("opp-1")
	assert.Equal(t, domain.StatusActive, opp.Status)
	assert.Equal(t, domain.ReasonSubmissionFailed, opp.FailReason)
}

func TestConfirmationTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.ExecutionTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.chain.confirmations = []domain.Confirmation{{State: domain.ConfirmationPending}}
	h.seedActive(t, "opp-1")

	h.coord.Execute("opp-1")

	opp, _ := h.reg.Get("opp-1")
	assert.Equal(t, domain.StatusActive, opp.Status, "timeout is retryable in budget")
	assert.Equal(t, domain.ReasonTimeout, opp.FailReason)

	out, ok := h.obs.last()
	require.True(t, ok)
	assert.NotEmpty(t, out.TxRef, "timed-out attempt still reports the submitted tx")
}

func TestOnChainRevertIsSubmissionFailure(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.chain.confirmations = []domain.Confirmation{
		{State: domain.ConfirmationPending},
		{State: domain.ConfirmationReverted, GasUsed: 200_000},
	}
	h.seedActive(t, "opp-1")

	h.coord.Execute("opp-1")

	opp, _ := h.reg.Get("opp-1")
	assert.Equal(t, domain.StatusActive, opp.Status)
	assert.Equal(t, domain.ReasonSubmissionFailed, opp.FailReason)
}

func TestRealizedProfitFromChainOverridesExpected(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	// 0.1 ETH profit at the configured $3000 is $300 on a $10k notional.
	h.chain.confirmations = []domain.Confirmation{{
		State:     domain.ConfirmationConfirmed,
		GasUsed:   380_000,
		ProfitWei: big.NewInt(1e17),
	}}
	h.seedActive(t, "opp-1")

	h.coord.Execute("opp-1")

	out, ok := h.obs.last()
	require.True(t, ok)
	assert.InDelta(t, 300.0, out.RealizedProfitUSD, 0.001)
	assert.InDelta(t, 300.0, out.RealizedProfitBps, 0.001)
	assert.Greater(t, out.GasSpent, 0.0)
}

func TestExecuteSkipsNonActive(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.seedActive(t, "opp-1")

	lease, err := h.reg.ClaimForExecution("opp-1")
	require.NoError(t, err)

	// A second executor must lose the claim without touching the chain.
	h.coord.Execute("opp-1")
	sim, submit := h.chain.counts()
	assert.Zero(t, sim)
	assert.Zero(t, submit)

	_, err = h.reg.Release(lease, domain.ExecutionOutcome{Executed: true, TxRef: "0x1"})
	require.NoError(t, err)
}

func TestRunDrainsInFlightOnShutdown(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.seedActive(t, "opp-1")

	in := make(chan string, 1)
	h.coord.in = in

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx) }()

	in <- "opp-1"
	// Give the worker time to claim, then stop.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	opp, _ := h.reg.Get("opp-1")
	assert.Equal(t, domain.StatusExecuted, opp.Status, "in-flight attempt completes during drain")
}
