package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FlashLoanProvider selects which lending pool funds the trade notional.
type FlashLoanProvider string

const (
	ProviderAave     FlashLoanProvider = "aave"
	ProviderCompound FlashLoanProvider = "compound"
	ProviderDydx     FlashLoanProvider = "dydx"
)

// WalletHandle identifies a connected, authorized wallet.
type WalletHandle struct {
	Address     common.Address
	ChainID     *big.Int
	ConnectedAt time.Time
}

// ArbTx is the prepared flash-loan arbitrage transaction handed to the chain
// collaborator. Calldata encodes the hop route for the executor contract.
type ArbTx struct {
	From        common.Address
	Contract    common.Address
	Provider    FlashLoanProvider
	LoanAmount  *big.Int
	Calldata    []byte
	GasLimit    uint64
	GasPriceWei *big.Int
	Nonce       uint64
}

// SimulationResult is the outcome of a dry-run execution.
type SimulationResult struct {
	OK           bool
	RevertReason string
	GasUsed      uint64
	ProfitWei    *big.Int
}

// ConfirmationState is the chain's view of a submitted transaction.
type ConfirmationState int

const (
	ConfirmationPending ConfirmationState = iota
	ConfirmationConfirmed
	ConfirmationReverted
)

// Confirmation reports the settlement status of a submitted transaction.
// ProfitWei is only meaningful once State is ConfirmationConfirmed.
type Confirmation struct {
	State        ConfirmationState
	BlockNumber  uint64
	GasUsed      uint64
	ProfitWei    *big.Int
	RevertReason string
}

// ChainClient is the wallet/chain collaborator boundary. Every call may fail
// or time out; the engine treats the implementation as untrusted and latent.
type ChainClient interface {
	Connect(ctx context.Context) (WalletHandle, error)
	Connected() bool
	Balance(ctx context.Context, handle WalletHandle) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Simulate(ctx context.Context, tx ArbTx) (SimulationResult, error)
	Submit(ctx context.Context, tx ArbTx) (common.Hash, error)
	ConfirmationStatus(ctx context.Context, txRef common.Hash) (Confirmation, error)
}

// TxBuilder prepares a signed flash-loan transaction for an opportunity.
type TxBuilder interface {
	Build(ctx context.Context, opp Opportunity, handle WalletHandle) (ArbTx, error)
}
