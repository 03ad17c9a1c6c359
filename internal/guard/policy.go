// Package guard implements the admission policy gating detected opportunities
// before they become executable. Evaluate is a pure predicate: it touches no
// shared state and performs no I/O, so the registry can call it under its
// per-id serialization without ordering concerns.
package guard

import "github.com/flasharb/engine/internal/domain"

// Limits are the configured admission bounds.
type Limits struct {
	MinProfitBps            float64
	MaxGasPriceGwei         float64
	MaxSlippageBps          float64
	MaxConcurrentExecutions int
}

// WalletState is the caller-supplied view of the wallet at evaluation time.
type WalletState struct {
	Connected  bool
	Authorized bool // flash-loan provider allowance in place
}

// Verdict is the result of one evaluation. Reason and Detail are only set on
// rejection; Detail names the specific gate for the stats sink.
type Verdict struct {
	Pass   bool
	Reason domain.FailReason
	Detail string
}

func pass() Verdict {
	return Verdict{Pass: true}
}

func reject(reason domain.FailReason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}

// Evaluate applies every admission gate in order and returns the first
// failure. gasPriceGwei is the current network gas price; executing is the
// number of opportunities currently holding execution leases.
func Evaluate(opp domain.Opportunity, wallet WalletState, limits Limits, gasPriceGwei float64, executing int) Verdict {
	if opp.NetProfitBps < limits.MinProfitBps {
		return reject(domain.ReasonGuardRejected, "min_profit")
	}
	if limits.MaxGasPriceGwei > 0 && gasPriceGwei > limits.MaxGasPriceGwei {
		return reject(domain.ReasonGuardRejected, "max_gas_price")
	}
	if limits.MaxSlippageBps > 0 && opp.SlippageBps > limits.MaxSlippageBps {
		return reject(domain.ReasonGuardRejected, "max_slippage")
	}
	if !wallet.Connected {
		return reject(domain.ReasonWalletDisconnected, "wallet_disconnected")
	}
	if opp.FlashLoanRequired && !wallet.Authorized {
		return reject(domain.ReasonGuardRejected, "flash_loan_unauthorized")
	}
	if limits.MaxConcurrentExecutions > 0 && executing >= limits.MaxConcurrentExecutions {
		return reject(domain.ReasonGuardRejected, "max_concurrent_executions")
	}
	return pass()
}
