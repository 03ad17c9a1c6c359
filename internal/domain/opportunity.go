package domain

import (
	"strings"
	"time"
)

// OpportunityStatus is the lifecycle state of an opportunity. Transitions are
// validated by CanTransition; the registry is the only component allowed to
// perform them.
type OpportunityStatus string

const (
	StatusDetected  OpportunityStatus = "detected"
	StatusPending   OpportunityStatus = "pending"
	StatusActive    OpportunityStatus = "active"
	StatusExecuting OpportunityStatus = "executing"
	StatusExecuted  OpportunityStatus = "executed"
	StatusFailed    OpportunityStatus = "failed"
	StatusExpired   OpportunityStatus = "expired"
)

// transitions is the full edge set of the opportunity state machine.
// Failed->Active is the bounded-retry edge; the registry enforces the count.
var transitions = map[OpportunityStatus][]OpportunityStatus{
	StatusDetected:  {StatusPending, StatusExpired},
	StatusPending:   {StatusActive, StatusFailed, StatusExpired},
	StatusActive:    {StatusExecuting, StatusExpired},
	StatusExecuting: {StatusExecuted, StatusFailed},
	StatusFailed:    {StatusActive},
	StatusExecuted:  nil,
	StatusExpired:   nil,
}

// CanTransition reports whether from -> to is a legal state machine edge.
func CanTransition(from, to OpportunityStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions other
// than the bounded Failed->Active retry edge, which the registry gates.
func (s OpportunityStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusExpired || s == StatusFailed
}

// Hop is one leg of a multi-venue conversion path.
type Hop struct {
	Venue Venue     `json:"venue"`
	Pair  AssetPair `json:"pair"`
	// Invert is true when the hop converts quote asset to base asset, i.e.
	// the effective rate is 1/price.
	Invert bool    `json:"invert"`
	Rate   float64 `json:"rate"` // effective conversion rate after direction
}

// Opportunity is a detected multi-hop trade cycle. The ID is a deterministic
// hash of the pair, the ordered venue path, and the discovery epoch, so the
// same cycle observed twice within one epoch deduplicates to one entry.
type Opportunity struct {
	ID     string    `json:"id"`
	Pair   AssetPair `json:"pair"`
	Path   []Hop     `json:"path"`
	Volume float64   `json:"volume"` // trade notional in quote-asset terms

	GrossProfitBps float64 `json:"gross_profit_bps"`
	NetProfitBps   float64 `json:"net_profit_bps"`
	GasEstimate    float64 `json:"gas_estimate"` // ETH cost of executing the full cycle
	SlippageBps    float64 `json:"slippage_bps"` // estimated impact at Volume on the thinnest hop

	FlashLoanRequired bool    `json:"flash_loan_required"`
	FlashLoanAmount   float64 `json:"flash_loan_amount,omitempty"`

	Status        OpportunityStatus `json:"status"`
	FailReason    FailReason        `json:"fail_reason,omitempty"`
	Attempts      int               `json:"attempts"`
	SnapshotVer   uint64            `json:"snapshot_ver"` // quote store version the numbers were computed from
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	LastRefreshed time.Time         `json:"last_refreshed"`
}

// PathString renders the venue path as "uniswap -> sushiswap -> curve".
func (o Opportunity) PathString() string {
	parts := make([]string, len(o.Path))
	for i, h := range o.Path {
		parts[i] = string(h.Venue)
	}
	return strings.Join(parts, " -> ")
}

// Expired reports whether the opportunity's TTL has lapsed at the given time.
func (o Opportunity) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}
