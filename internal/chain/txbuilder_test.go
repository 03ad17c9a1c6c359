package chain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flasharb/engine/internal/domain"
)

func testBuilder() *Builder {
	cfg := BuilderConfig{
		ExecutorAddr: common.HexToAddress("0xEEE0000000000000000000000000000000000001"),
		Provider:     domain.ProviderAave,
		Routers: map[domain.Venue]common.Address{
			"uniswap":   common.HexToAddress("0xAA00000000000000000000000000000000000001"),
			"sushiswap": common.HexToAddress("0xBB00000000000000000000000000000000000002"),
		},
		Tokens: map[string]common.Address{
			"ETH":  common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
			"USDC": common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		},
		QuoteDecimals: 6,
	}
	gasPrice := func(context.Context) (*big.Int, error) { return big.NewInt(30e9), nil }
	return NewBuilder(cfg, gasPrice)
}

func testOpportunity() domain.Opportunity {
	return domain.Opportunity{
		ID:     "opp-1",
		Pair:   "ETH/USDC",
		Volume: 500,
		Path: []domain.Hop{
			{Venue: "uniswap", Pair: "ETH/USDC", Invert: true},
			{Venue: "sushiswap", Pair: "ETH/USDC"},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestBuildEncodesRoute(t *testing.T) {
	b := testBuilder()
	handle := domain.WalletHandle{Address: common.HexToAddress("0x1111")}

	tx, err := b.Build(context.Background(), testOpportunity(), handle)
	require.NoError(t, err)

	assert.Equal(t, handle.Address, tx.From)
	assert.Equal(t, b.cfg.ExecutorAddr, tx.Contract)
	assert.Equal(t, big.NewInt(30e9), tx.GasPriceWei)
	assert.Equal(t, uint64(gasBase+2*gasPerHop), tx.GasLimit)

	// Selector plus 4 head words, then 2 routers and 3 tokens with lengths.
	wantLen := 4 + (4+1+2+1+3)*32
	require.Len(t, tx.Calldata, wantLen)
	assert.Equal(t, executeSelector, tx.Calldata[:4])

	// Provider ordinal sits in the first head word.
	assert.Equal(t, byte(0), tx.Calldata[4+31])

	// Self-funded trade borrows the full volume: 500 USDC at 6 decimals.
	assert.Equal(t, big.NewInt(500_000_000), tx.LoanAmount)
	assert.Equal(t, tx.LoanAmount, new(big.Int).SetBytes(tx.Calldata[4+3*32:4+4*32]))
}

func TestBuildUsesFlashLoanAmount(t *testing.T) {
	b := testBuilder()
	opp := testOpportunity()
	opp.FlashLoanRequired = true
	opp.FlashLoanAmount = 25_000

	tx, err := b.Build(context.Background(), opp, domain.WalletHandle{})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(25_000_000_000), tx.LoanAmount)
}

func TestBuildTokenRouteAlternates(t *testing.T) {
	b := testBuilder()
	tx, err := b.Build(context.Background(), testOpportunity(), domain.WalletHandle{})
	require.NoError(t, err)

	// Tokens tail: offset 4 + head(4) + routersLen(1) + routers(2) words.
	tokensAt := 4 + (4+1+2)*32
	count := new(big.Int).SetBytes(tx.Calldata[tokensAt : tokensAt+32]).Int64()
	require.EqualValues(t, 3, count)

	usdc := b.cfg.Tokens["USDC"]
	eth := b.cfg.Tokens["ETH"]
	tokenAt := func(i int) common.Address {
		start := tokensAt + 32 + i*32
		return common.BytesToAddress(tx.Calldata[start+12 : start+32])
	}
	assert.Equal(t, usdc, tokenAt(0), "route starts on the quote asset")
	assert.Equal(t, eth, tokenAt(1), "buy hop moves into the base asset")
	assert.Equal(t, usdc, tokenAt(2), "sell hop returns to the quote asset")
}

func TestBuildRejectsUnknownVenue(t *testing.T) {
	b := testBuilder()
	opp := testOpportunity()
	opp.Path[0].Venue = "curve"

	_, err := b.Build(context.Background(), opp, domain.WalletHandle{})
	assert.ErrorContains(t, err, "no router configured")
}

func TestBuildRejectsEmptyPath(t *testing.T) {
	b := testBuilder()
	opp := testOpportunity()
	opp.Path = nil

	_, err := b.Build(context.Background(), opp, domain.WalletHandle{})
	assert.ErrorContains(t, err, "empty path")
}

func TestBuildRejectsMalformedPair(t *testing.T) {
	b := testBuilder()
	opp := testOpportunity()
	opp.Pair = "ETHUSDC"

	_, err := b.Build(context.Background(), opp, domain.WalletHandle{})
	assert.ErrorContains(t, err, "malformed pair")
}
