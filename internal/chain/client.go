// Package chain implements the wallet/chain collaborator against an EVM
// JSON-RPC endpoint. The engine treats every call here as untrusted and
// latent: all methods take a context and classify failures instead of
// panicking.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/flasharb/engine/internal/domain"
)

// Config holds chain client parameters.
type Config struct {
	RPCURL       string
	ChainID      int64
	CallTimeout  time.Duration
	ExecutorAddr common.Address // deployed flash-loan executor contract
}

// Client talks to an EVM node and signs with a locally-held key.
type Client struct {
	eth       *ethclient.Client
	key       *ecdsa.PrivateKey
	address   common.Address
	chainID   *big.Int
	cfg       Config
	connected atomic.Bool
	logger    *slog.Logger
}

// New dials the RPC endpoint and prepares a client for the given private key.
// The wallet is not considered connected until Connect succeeds.
func New(cfg Config, key *ecdsa.PrivateKey, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Client{
		eth:     eth,
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "chain_client")),
	}, nil
}

// Connect verifies the endpoint, pins the chain id, and marks the wallet
// connected.
func (c *Client) Connect(ctx context.Context) (domain.WalletHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return domain.WalletHandle{}, fmt.Errorf("chain: chain id: %w", err)
	}
	if c.cfg.ChainID != 0 && chainID.Int64() != c.cfg.ChainID {
		return domain.WalletHandle{}, fmt.Errorf("chain: connected to chain %d, expected %d", chainID.Int64(), c.cfg.ChainID)
	}
	c.chainID = chainID
	c.connected.Store(true)

	c.logger.Info("wallet connected",
		slog.String("address", c.address.Hex()),
		slog.Int64("chain_id", chainID.Int64()),
	)
	return domain.WalletHandle{
		Address:     c.address,
		ChainID:     chainID,
		ConnectedAt: time.Now().UTC(),
	}, nil
}

// Disconnect marks the wallet disconnected. Subsequent claims fail until
// Connect is called again.
func (c *Client) Disconnect() {
	c.connected.Store(false)
	c.logger.Info("wallet disconnected", slog.String("address", c.address.Hex()))
}

// Connected reports the wallet connection state.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Balance returns the wallet's native balance in wei.
func (c *Client) Balance(ctx context.Context, handle domain.WalletHandle) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	bal, err := c.eth.BalanceAt(ctx, handle.Address, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balance: %w", err)
	}
	return bal, nil
}

// GasPrice returns the node's suggested gas price in wei.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	return price, nil
}

// Simulate dry-runs the arbitrage transaction with eth_call. A revert is
// reported in the result, not as an error: only transport failures error.
func (c *Client) Simulate(ctx context.Context, tx domain.ArbTx) (domain.SimulationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	msg := ethereum.CallMsg{
		From:     tx.From,
		To:       &tx.Contract,
		Gas:      tx.GasLimit,
		GasPrice: tx.GasPriceWei,
		Data:     tx.Calldata,
	}
	ret, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		if reason, reverted := revertReason(err); reverted {
			return domain.SimulationResult{OK: false, RevertReason: reason}, nil
		}
		return domain.SimulationResult{}, fmt.Errorf("chain: eth_call: %w", err)
	}

	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		if reason, reverted := revertReason(err); reverted {
			return domain.SimulationResult{OK: false, RevertReason: reason}, nil
		}
		return domain.SimulationResult{}, fmt.Errorf("chain: estimate gas: %w", err)
	}

	return domain.SimulationResult{
		OK:        true,
		GasUsed:   gas,
		ProfitWei: decodeProfit(ret),
	}, nil
}

// Submit signs and broadcasts the transaction, returning its hash.
func (c *Client) Submit(ctx context.Context, tx domain.ArbTx) (common.Hash, error) {
	if !c.connected.Load() || c.chainID == nil {
		return common.Hash{}, domain.ErrWalletDisconnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	nonce := tx.Nonce
	if nonce == 0 {
		pending, err := c.eth.PendingNonceAt(ctx, c.address)
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain: pending nonce: %w", err)
		}
		nonce = pending
	}

	raw := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &tx.Contract,
		Gas:      tx.GasLimit,
		GasPrice: tx.GasPriceWei,
		Data:     tx.Calldata,
	})
	signed, err := types.SignTx(raw, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send tx: %w", err)
	}
	return signed.Hash(), nil
}

// ConfirmationStatus reports the settlement state of a submitted transaction.
// A missing receipt means still pending.
func (c *Client) ConfirmationStatus(ctx context.Context, txRef common.Hash) (domain.Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	receipt, err := c.eth.TransactionReceipt(ctx, txRef)
	if err != nil {
		if err == ethereum.NotFound {
			return domain.Confirmation{State: domain.ConfirmationPending}, nil
		}
		return domain.Confirmation{}, fmt.Errorf("chain: receipt %s: %w", txRef.Hex(), err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.Confirmation{
			State:        domain.ConfirmationReverted,
			BlockNumber:  receipt.BlockNumber.Uint64(),
			GasUsed:      receipt.GasUsed,
			RevertReason: "transaction reverted on-chain",
		}, nil
	}

	return domain.Confirmation{
		State:       domain.ConfirmationConfirmed,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		ProfitWei:   profitFromLogs(receipt, c.cfg.ExecutorAddr),
	}, nil
}

// revertReason extracts a revert message from a node error, when present.
func revertReason(err error) (string, bool) {
	msg := err.Error()
	if !strings.Contains(msg, "execution reverted") {
		return "", false
	}
	if idx := strings.Index(msg, "execution reverted:"); idx >= 0 {
		return strings.TrimSpace(msg[idx+len("execution reverted:"):]), true
	}
	return "execution reverted", true
}

// decodeProfit reads the uint256 return value of the executor's dry run.
func decodeProfit(ret []byte) *big.Int {
	if len(ret) < 32 {
		return big.NewInt(0)
	}
	return new(big.Int).SetBytes(ret[:32])
}

// arbExecutedTopic is keccak256("ArbitrageExecuted(address,uint256)"), the
// event the executor contract emits with the realized profit.
var arbExecutedTopic = ethcrypto.Keccak256Hash([]byte("ArbitrageExecuted(address,uint256)"))

// profitFromLogs scans the receipt for the executor's ArbitrageExecuted event
// and returns its profit argument, or zero when absent.
func profitFromLogs(receipt *types.Receipt, executor common.Address) *big.Int {
	for _, lg := range receipt.Logs {
		if lg.Address != executor || len(lg.Topics) == 0 {
			continue
		}
		if lg.Topics[0] == arbExecutedTopic && len(lg.Data) >= 32 {
			return new(big.Int).SetBytes(lg.Data[len(lg.Data)-32:])
		}
	}
	return big.NewInt(0)
}

var _ domain.ChainClient = (*Client)(nil)
