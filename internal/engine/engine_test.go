package engine

import (
	"context"
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
	"github.com/flasharb/engine/internal/executor"
	"github.com/flasharb/engine/internal/pathfinder"
	"github.com/flasharb/engine/internal/quote"
	"github.com/flasharb/engine/internal/registry"
	"github.com/flasharb/engine/internal/stats"
)

// stubChain confirms everything on the first poll.
type stubChain struct {
	mu        sync.Mutex
	connected bool
	submits   int
}

func (s *stubChain) Connect(context.Context) (domain.WalletHandle, error) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return domain.WalletHandle{
		Address:     common.HexToAddress("0x1234"),
		ChainID:     big.NewInt(1),
		ConnectedAt: time.Now().UTC(),
	}, nil
}
func (s *stubChain) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
func (s *stubChain) Balance(context.Context, domain.WalletHandle) (*big.Int, error) {
	return big.NewInt(1e18), nil
}
func (s *stubChain) GasPrice(context.Context) (*big.Int, error) { return big.NewInt(25e9), nil }
func (s *stubChain) Simulate(context.Context, domain.ArbTx) (domain.SimulationResult, error) {
	return domain.SimulationResult{OK: true, GasUsed: 300_000}, nil
}
func (s *stubChain) Submit(context.Context, domain.ArbTx) (common.Hash, error) {
	s.mu.Lock()
	s.submits++
	s.mu.Unlock()
	return common.HexToHash("0xfeed"), nil
}
func (s *stubChain) ConfirmationStatus(context.Context, common.Hash) (domain.Confirmation, error) {
	return domain.Confirmation{State: domain.ConfirmationConfirmed, GasUsed: 280_000}, nil
}

type stubBuilder struct{}

func (stubBuilder) Build(_ context.Context, opp domain.Opportunity, handle domain.WalletHandle) (domain.ArbTx, error) {
	return domain.ArbTx{From: handle.Address, GasLimit: 500_000, GasPriceWei: big.NewInt(25e9)}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastExecConfig() executor.Config {
	cfg := executor.DefaultConfig()
	cfg.ExecutionTimeout = 2 * time.Second
	cfg.ConfirmPollInterval = 5 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, withChain bool) (*Engine, *quote.Store, *stubChain) {
	t.Helper()
	store := quote.NewStore()
	fcfg := pathfinder.DefaultConfig()
	fcfg.TTL = time.Minute
	finder := pathfinder.NewFinder(fcfg)
	sink := stats.NewSink(64, testLogger())

	cfg := DefaultConfig()
	cfg.ScanInterval = 50 * time.Millisecond
	cfg.ScanDebounce = 5 * time.Millisecond
	cfg.Limits.MinProfitBps = 10

	var chain *stubChain
	var e *Engine
	if withChain {
		chain = &stubChain{}
		e = New(cfg, store, finder, sink, registry.DefaultConfig(), fastExecConfig(), chain, stubBuilder{}, testLogger())
	} else {
		e = New(cfg, store, finder, sink, registry.DefaultConfig(), fastExecConfig(), nil, nil, testLogger())
	}
	return e, store, chain
}

// seedSpread loads a two-venue price spread wide enough to clear the guard.
func seedSpread(t *testing.T, store *quote.Store) {
	t.Helper()
	now := time.Now().UTC()
	for _, q := range []domain.Quote{
		{Venue: "uniswap", Pair: "ETH/USDC", Price: 3000, Liquidity: 2_000_000, ObservedAt: now},
		{Venue: "sushiswap", Pair: "ETH/USDC", Price: 3090, Liquidity: 2_000_000, ObservedAt: now.Add(time.Millisecond)},
	} {
		require.True(t, store.Upsert(q))
	}
}

func TestDetectOnceAdmitsOpportunity(t *testing.T) {
	e, store, _ := newTestEngine(t, false)
	seedSpread(t, store)
	e.SetScanning(true)

	e.DetectOnce()

	active := e.Registry().List(domain.StatusActive)
	require.NotEmpty(t, active, "spread should produce an active opportunity")
	assert.Greater(t, active[0].NetProfitBps, 10.0)

	st := e.Stats()
	assert.Greater(t, st.TotalOpportunities, int64(0))
	assert.Equal(t, int64(len(active)), st.ActiveCount)
}

func TestDetectOnceRespectsThreshold(t *testing.T) {
	e, store, _ := newTestEngine(t, false)
	seedSpread(t, store)
	e.SetScanning(true)
	e.SetMinProfitThreshold(10_000) // nothing clears 100%

	e.DetectOnce()

	assert.Empty(t, e.Registry().List(domain.StatusActive))
	failed := e.Registry().List(domain.StatusFailed)
	require.NotEmpty(t, failed)
	assert.Equal(t, domain.ReasonGuardRejected, failed[0].FailReason)
}

func TestAutoExecuteRequiresWallet(t *testing.T) {
	e, _, _ := newTestEngine(t, true)
	assert.ErrorIs(t, e.SetAutoExecute(true), ErrWalletRequired)

	_, err := e.ConnectWallet(context.Background())
	require.NoError(t, err)
	assert.NoError(t, e.SetAutoExecute(true))
}

func TestScanOnlyModeRejectsAutoExecute(t *testing.T) {
	e, _, _ := newTestEngine(t, false)
	assert.ErrorIs(t, e.SetAutoExecute(true), ErrWalletRequired)
}

func TestDisconnectForcesAutoExecuteOff(t *testing.T) {
	e, _, _ := newTestEngine(t, true)
	_, err := e.ConnectWallet(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.SetAutoExecute(true))

	e.DisconnectWallet()

	assert.False(t, e.AutoExecute())
	assert.False(t, e.Stats().WalletConnected)
}

func TestEndToEndAutoExecution(t *testing.T) {
	e, store, chain := newTestEngine(t, true)

	_, err := e.ConnectWallet(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer func() { _ = e.Stop() }()

	require.NoError(t, e.SetAutoExecute(true))
	seedSpread(t, store)

	assert.Eventually(t, func() bool {
		return len(e.Registry().List(domain.StatusExecuted)) > 0
	}, 3*time.Second, 10*time.Millisecond, "quote update should drive detection through execution")

	chain.mu.Lock()
	submits := chain.submits
	chain.mu.Unlock()
	assert.Greater(t, submits, 0)

	st := e.Stats()
	assert.Greater(t, st.ExecutedCount, int64(0))
	assert.Greater(t, st.TotalProfitUSD, 0.0)
}

func TestManualExecuteNow(t *testing.T) {
	e, store, _ := newTestEngine(t, true)
	_, err := e.ConnectWallet(context.Background())
	require.NoError(t, err)

	seedSpread(t, store)
	e.SetScanning(true)
	e.DetectOnce()

	active := e.Registry().List(domain.StatusActive)
	require.NotEmpty(t, active)

	// Auto-execute stays off; the manual path queues explicitly.
	require.NoError(t, e.ExecuteNow(active[0].ID))
	assert.ErrorIs(t, e.ExecuteNow("missing"), domain.ErrNotFound)
}

func TestStartStopLifecycle(t *testing.T) {
	e, _, _ := newTestEngine(t, false)

	assert.ErrorIs(t, e.Stop(), ErrNotRunning)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	assert.Error(t, e.Start(ctx), "double start must fail")
	require.NoError(t, e.Stop())

	// Restartable after a clean stop.
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Stop())
}
