package registry

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharb/engine/internal/domain"
	"github.com/flasharb/engine/internal/guard"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func passAll(domain.Opportunity, int) guard.Verdict {
	return guard.Verdict{Pass: true}
}

func newTestRegistry(t *testing.T, guardFn GuardFunc) *Registry {
	t.Helper()
	if guardFn == nil {
		guardFn = passAll
	}
	return New(DefaultConfig(), guardFn, nil, nil, testLogger())
}

func candidate(id string, ttl time.Duration) domain.Opportunity {
	now := time.Now().UTC()
	return domain.Opportunity{
		ID:             id,
		Pair:           "ETH/USDC",
		Path:           []domain.Hop{{Venue: "uniswap", Invert: true}, {Venue: "sushiswap"}},
		Volume:         5000,
		GrossProfitBps: 60,
		NetProfitBps:   40,
		Status:         domain.StatusDetected,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

func mustAdmit(t *testing.T, r *Registry, id string) {
	t.Helper()
	status, verdict, err := r.Admit(id)
	require.NoError(t, err)
	require.True(t, verdict.Pass)
	require.Equal(t, domain.StatusActive, status)
}

func TestProposeDeduplicatesAndRefreshes(t *testing.T) {
	r := newTestRegistry(t, nil)

	first := candidate("opp-1", time.Minute)
	first.NetProfitBps = 40 // 0.4%
	require.Equal(t, ProposeAccepted, r.Propose(first))

	second := candidate("opp-1", time.Minute)
	second.NetProfitBps = 60 // 0.6%, fresher prices
	require.Equal(t, ProposeRefreshed, r.Propose(second))

	// One live entry, carrying the fresher numbers.
	live := r.List(domain.StatusDetected)
	require.Len(t, live, 1)
	assert.Equal(t, 60.0, live[0].NetProfitBps)
}

func TestAdmitPassMovesThroughPendingToActive(t *testing.T) {
	var observed []domain.OpportunityStatus
	r := newTestRegistry(t, nil)
	r.OnTransition(func(_ domain.Opportunity, _, to domain.OpportunityStatus) {
		observed = append(observed, to)
	})

	require.Equal(t, ProposeAccepted, r.Propose(candidate("opp-1", time.Minute)))
	mustAdmit(t, r, "opp-1")

	// Detected -> Pending -> Active, no skipped states.
	assert.Equal(t, []domain.OpportunityStatus{
		domain.StatusDetected,
		domain.StatusPending,
		domain.StatusActive,
	}, observed)
}

func TestAdmitGuardRejection(t *testing.T) {
	rejectAll := func(domain.Opportunity, int) guard.Verdict {
		return guard.Verdict{Reason: domain.ReasonGuardRejected, Detail: "min_profit"}
	}
	r := newTestRegistry(t, rejectAll)
	r.Propose(candidate("opp-1", time.Minute))

	status, verdict, err := r.Admit("opp-1")
	require.NoError(t, err)
	assert.False(t, verdict.Pass)
	assert.Equal(t, domain.StatusFailed, status)

	opp, ok := r.Get("opp-1")
	require.True(t, ok)
	assert.Equal(t, domain.ReasonGuardRejected, opp.FailReason)
}

func TestAdmitRepricesBeforeVerdict(t *testing.T) {
	reprice := func(opp domain.Opportunity) (domain.Opportunity, bool) {
		opp.NetProfitBps = 7 // collapsed since detection
		return opp, true
	}
	guardFn := func(opp domain.Opportunity, _ int) guard.Verdict {
		if opp.NetProfitBps < 30 {
			return guard.Verdict{Reason: domain.ReasonGuardRejected, Detail: "min_profit"}
		}
		return guard.Verdict{Pass: true}
	}
	r := New(DefaultConfig(), guardFn, reprice, nil, testLogger())
	r.Propose(candidate("opp-1", time.Minute))

	status, verdict, err := r.Admit("opp-1")
	require.NoError(t, err)
	assert.False(t, verdict.Pass, "stale profit must be recomputed, not trusted")
	assert.Equal(t, domain.StatusFailed, status)
}

func TestClaimExactlyOnceUnderContention(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Propose(candidate("opp-1", time.Minute))
	mustAdmit(t, r, "opp-1")

	const workers = 32
	var wg sync.WaitGroup
	leases := make(chan domain.Lease, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lease, err := r.ClaimForExecution("opp-1"); err == nil {
				leases <- lease
			}
		}()
	}
	wg.Wait()
	close(leases)

	var won []domain.Lease
	for l := range leases {
		won = append(won, l)
	}
	require.Len(t, won, 1, "exactly one concurrent claim must succeed")
	assert.Equal(t, 1, r.ExecutingCount())

	opp, _ := r.Get("opp-1")
	assert.Equal(t, domain.StatusExecuting, opp.Status)
	assert.Equal(t, 1, opp.Attempts)
}

func TestClaimOnNonActiveIsDuplicateClaim(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Propose(candidate("opp-1", time.Minute))

	// Not yet admitted: Detected is not claimable.
	_, err := r.ClaimForExecution("opp-1")
	assert.ErrorIs(t, err, domain.ErrDuplicateClaim)

	_, err = r.ClaimForExecution("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExpiredOpportunityNeverClaimed(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Propose(candidate("opp-1", 20*time.Millisecond))
	mustAdmit(t, r, "opp-1")

	time.Sleep(30 * time.Millisecond)

	// The sweep has not run, but the claim must still lose to expiry.
	_, err := r.ClaimForExecution("opp-1")
	assert.ErrorIs(t, err, domain.ErrDuplicateClaim)

	opp, _ := r.Get("opp-1")
	assert.Equal(t, domain.StatusExpired, opp.Status)
}

func TestExpirySweepVersusClaimRace(t *testing.T) {
	// Both paths go through the per-id lock; whichever wins, the outcome must
	// be consistent: either a lease on an Executing opportunity, or Expired
	// with no lease. Never both.
	for i := 0; i < 50; i++ {
		r := newTestRegistry(t, nil)
		r.Propose(candidate("opp-race", 5*time.Millisecond))
		mustAdmit(t, r, "opp-race")

		time.Sleep(5 * time.Millisecond)

		var wg sync.WaitGroup
		var lease *domain.Lease
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Sweep(time.Now().UTC())
		}()
		go func() {
			defer wg.Done()
			if l, err := r.ClaimForExecution("opp-race"); err == nil {
				lease = &l
			}
		}()
		wg.Wait()

		opp, ok := r.Get("opp-race")
		require.True(t, ok)
		if lease != nil {
			assert.Equal(t, domain.StatusExecuting, opp.Status)
		} else {
			assert.Equal(t, domain.StatusExpired, opp.Status)
		}
	}
}

func TestExecutingExemptFromExpiry(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Propose(candidate("opp-1", 20*time.Millisecond))
	mustAdmit(t, r, "opp-1")

	lease, err := r.ClaimForExecution("opp-1")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	r.Sweep(time.Now().UTC())

	opp, _ := r.Get("opp-1")
	assert.Equal(t, domain.StatusExecuting, opp.Status, "in-flight execution runs to completion")

	_, err = r.Release(lease, domain.ExecutionOutcome{Executed: true, TxRef: "0xabc"})
	require.NoError(t, err)
}

func TestReleaseRequiresLeaseToken(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Propose(candidate("opp-1", time.Minute))
	mustAdmit(t, r, "opp-1")

	lease, err := r.ClaimForExecution("opp-1")
	require.NoError(t, err)

	forged := lease
	forged.Token = "not-the-token"
	_, err = r.Release(forged, domain.ExecutionOutcome{Executed: true})
	assert.ErrorIs(t, err, domain.ErrBadLease)

	status, err := r.Release(lease, domain.ExecutionOutcome{Executed: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuted, status)
	assert.Equal(t, 0, r.ExecutingCount())

	// Lease is single-use.
	_, err = r.Release(lease, domain.ExecutionOutcome{Executed: true})
	assert.ErrorIs(t, err, domain.ErrBadLease)
}

func TestRetryBudgetThenTerminalFailed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	r := New(cfg, passAll, nil, nil, testLogger())

	var observed []domain.OpportunityStatus
	r.OnTransition(func(_ domain.Opportunity, _, to domain.OpportunityStatus) {
		observed = append(observed, to)
	})

	r.Propose(candidate("opp-1", time.Minute))
	mustAdmit(t, r, "opp-1")

	fail := domain.ExecutionOutcome{Reason: domain.ReasonSimulationFailed}

	// Attempt 1 fails: Failed then back to Active.
	lease, err := r.ClaimForExecution("opp-1")
	require.NoError(t, err)
	status, err := r.Release(lease, fail)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, status)

	// Attempt 2 fails: still within budget.
	lease, err = r.ClaimForExecution("opp-1")
	require.NoError(t, err)
	status, err = r.Release(lease, fail)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, status)

	// Attempt 3 fails: budget exhausted, terminal.
	lease, err = r.ClaimForExecution("opp-1")
	require.NoError(t, err)
	status, err = r.Release(lease, fail)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status)

	opp, _ := r.Get("opp-1")
	assert.Equal(t, 3, opp.Attempts)
	assert.Equal(t, domain.ReasonSimulationFailed, opp.FailReason)

	// Terminal: no further claims.
	_, err = r.ClaimForExecution("opp-1")
	assert.ErrorIs(t, err, domain.ErrDuplicateClaim)

	// Every observed edge is legal and Failed appears before each re-entry
	// to Active.
	prev := domain.OpportunityStatus("")
	for _, to := range observed {
		if prev != "" {
			assert.True(t, domain.CanTransition(prev, to), "illegal edge %s -> %s", prev, to)
		}
		prev = to
	}
	assert.Equal(t, domain.StatusFailed, observed[len(observed)-1])
}

func TestNonRetryableReasonIsTerminal(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Propose(candidate("opp-1", time.Minute))
	mustAdmit(t, r, "opp-1")

	lease, err := r.ClaimForExecution("opp-1")
	require.NoError(t, err)

	status, err := r.Release(lease, domain.ExecutionOutcome{Reason: domain.ReasonStaleQuote})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status)

	_, err = r.ClaimForExecution("opp-1")
	assert.ErrorIs(t, err, domain.ErrDuplicateClaim)
}

func TestWalletDisconnectedLeavesOpportunityActive(t *testing.T) {
	connected := true
	walletFn := func() guard.WalletState {
		return guard.WalletState{Connected: connected, Authorized: connected}
	}
	r := New(DefaultConfig(), passAll, nil, walletFn, testLogger())
	r.Propose(candidate("opp-1", time.Minute))
	mustAdmit(t, r, "opp-1")

	connected = false
	_, err := r.ClaimForExecution("opp-1")
	assert.ErrorIs(t, err, domain.ErrWalletDisconnected)

	// Still Active and reclaimable after reconnect, not Failed.
	opp, _ := r.Get("opp-1")
	assert.Equal(t, domain.StatusActive, opp.Status)

	connected = true
	_, err = r.ClaimForExecution("opp-1")
	assert.NoError(t, err)
}

func TestSweepExpiresAndEvicts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = 10 * time.Millisecond
	r := New(cfg, passAll, nil, nil, testLogger())

	r.Propose(candidate("opp-live", time.Minute))
	r.Propose(candidate("opp-stale", 5*time.Millisecond))

	time.Sleep(10 * time.Millisecond)
	expired, evicted := r.Sweep(time.Now().UTC())
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, evicted)

	opp, ok := r.Get("opp-stale")
	require.True(t, ok, "terminal opportunities are retained for reporting")
	assert.Equal(t, domain.StatusExpired, opp.Status)

	time.Sleep(15 * time.Millisecond)
	_, evicted = r.Sweep(time.Now().UTC())
	assert.Equal(t, 1, evicted)

	_, ok = r.Get("opp-stale")
	assert.False(t, ok)
	_, ok = r.Get("opp-live")
	assert.True(t, ok)
}

func TestProposeAfterTerminalRejected(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Propose(candidate("opp-1", 5*time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	r.Sweep(time.Now().UTC())

	// Same id re-proposed while the terminal entry is retained.
	assert.Equal(t, ProposeRejected, r.Propose(candidate("opp-1", time.Minute)))
}
