package domain

import "time"

// FailReason classifies why an opportunity was rejected or an execution
// attempt failed. Reasons double as the engine's error taxonomy and are
// surfaced verbatim to the stats sink.
type FailReason string

const (
	ReasonNone               FailReason = ""
	ReasonStaleQuote         FailReason = "stale_quote"
	ReasonGuardRejected      FailReason = "guard_rejected"
	ReasonSimulationFailed   FailReason = "simulation_failed"
	ReasonSubmissionFailed   FailReason = "submission_failed"
	ReasonTimeout            FailReason = "timeout"
	ReasonWalletDisconnected FailReason = "wallet_disconnected"
	ReasonInsufficientLiq    FailReason = "insufficient_liquidity"
)

// Retryable reports whether a failure with this reason is eligible for the
// bounded Failed->Active retry loop. Guard rejections and stale quotes are
// terminal: re-detection will propose a fresh opportunity if the cycle still
// exists. Wallet disconnects never fail the opportunity at all; it stays
// Active until reconnect.
func (r FailReason) Retryable() bool {
	switch r {
	case ReasonTimeout, ReasonSubmissionFailed, ReasonSimulationFailed:
		return true
	default:
		return false
	}
}

// Lease is the exclusive execution right for one opportunity, issued by the
// registry's ClaimForExecution. Every Executing->* transition must present
// the lease token that claimed it.
type Lease struct {
	OpportunityID string
	Token         string
	ClaimedAt     time.Time
}

// ExecutionOutcome is the terminal result of one execution attempt.
type ExecutionOutcome struct {
	Executed          bool
	Reason            FailReason
	TxRef             string
	RealizedProfitBps float64
	RealizedProfitUSD float64
	GasSpent          float64
}

// ExecutionRecord is the audit trail of one attempt against one opportunity.
// Attempts for a given opportunity are strictly sequential.
type ExecutionRecord struct {
	ID            string     `json:"id"`
	OpportunityID string     `json:"opportunity_id"`
	Attempt       int        `json:"attempt"`
	Pair          AssetPair  `json:"pair"`
	Path          string     `json:"path"`
	Volume        float64    `json:"volume"`
	ExpectedBps   float64    `json:"expected_bps"`
	RealizedBps   float64    `json:"realized_bps"`
	TxRef         string     `json:"tx_ref,omitempty"`
	Outcome       string     `json:"outcome"`
	Reason        FailReason `json:"reason,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}
