package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/flasharb/engine/internal/domain"
)

// executeSelector is the first four bytes of
// keccak256("executeArbitrage(uint8,address[],address[],uint256)"): the
// executor contract entry point taking the loan provider, the router per hop,
// the token route, and the loan amount.
var executeSelector = ethcrypto.Keccak256([]byte("executeArbitrage(uint8,address[],address[],uint256)"))[:4]

// providerIndex maps flash-loan providers to the contract's enum ordinals.
var providerIndex = map[domain.FlashLoanProvider]int64{
	domain.ProviderAave:     0,
	domain.ProviderCompound: 1,
	domain.ProviderDydx:     2,
}

// gas envelope per transaction and per hop, calibrated against mainnet
// flash-loan round trips.
const (
	gasBase   = 250_000
	gasPerHop = 160_000
)

// BuilderConfig maps symbolic venue and asset names onto deployed contract
// addresses.
type BuilderConfig struct {
	ExecutorAddr common.Address
	Provider     domain.FlashLoanProvider
	Routers      map[domain.Venue]common.Address
	Tokens       map[string]common.Address

	// QuoteDecimals scales USD-denominated amounts into quote-token units.
	QuoteDecimals int
}

// Builder prepares flash-loan arbitrage transactions. Calldata is ABI-encoded
// by hand; the route layout is fixed, so a full ABI dependency buys nothing.
type Builder struct {
	cfg      BuilderConfig
	gasPrice func(ctx context.Context) (*big.Int, error)
}

// NewBuilder creates a Builder. gasPrice is polled per build so every attempt
// carries a current price.
func NewBuilder(cfg BuilderConfig, gasPrice func(ctx context.Context) (*big.Int, error)) *Builder {
	if cfg.QuoteDecimals <= 0 {
		cfg.QuoteDecimals = 6 // USDC
	}
	return &Builder{cfg: cfg, gasPrice: gasPrice}
}

// Build encodes the opportunity's hop route into a transaction against the
// executor contract.
func (b *Builder) Build(ctx context.Context, opp domain.Opportunity, handle domain.WalletHandle) (domain.ArbTx, error) {
	if len(opp.Path) == 0 {
		return domain.ArbTx{}, fmt.Errorf("chain: opportunity %s has an empty path", opp.ID)
	}

	routers := make([]common.Address, 0, len(opp.Path))
	for _, hop := range opp.Path {
		addr, ok := b.cfg.Routers[hop.Venue]
		if !ok {
			return domain.ArbTx{}, fmt.Errorf("chain: no router configured for venue %s", hop.Venue)
		}
		routers = append(routers, addr)
	}

	tokens, err := b.tokenRoute(opp)
	if err != nil {
		return domain.ArbTx{}, err
	}

	amount := opp.Volume
	if opp.FlashLoanRequired {
		amount = opp.FlashLoanAmount
	}
	loanUnits := usdToUnits(amount, b.cfg.QuoteDecimals)

	price, err := b.gasPrice(ctx)
	if err != nil {
		return domain.ArbTx{}, fmt.Errorf("chain: gas price: %w", err)
	}

	provider, ok := providerIndex[b.cfg.Provider]
	if !ok {
		return domain.ArbTx{}, fmt.Errorf("chain: unknown flash loan provider %q", b.cfg.Provider)
	}

	return domain.ArbTx{
		From:        handle.Address,
		Contract:    b.cfg.ExecutorAddr,
		Provider:    b.cfg.Provider,
		LoanAmount:  loanUnits,
		Calldata:    encodeExecute(provider, routers, tokens, loanUnits),
		GasLimit:    uint64(gasBase + gasPerHop*len(opp.Path)),
		GasPriceWei: price,
	}, nil
}

// tokenRoute walks the hop sequence and emits the token addresses the swaps
// move through, starting and ending on the quote asset.
func (b *Builder) tokenRoute(opp domain.Opportunity) ([]common.Address, error) {
	base, quoteAsset, err := splitPair(opp.Pair)
	if err != nil {
		return nil, err
	}
	baseAddr, ok := b.cfg.Tokens[base]
	if !ok {
		return nil, fmt.Errorf("chain: no token address for %s", base)
	}
	quoteAddr, ok := b.cfg.Tokens[quoteAsset]
	if !ok {
		return nil, fmt.Errorf("chain: no token address for %s", quoteAsset)
	}

	route := make([]common.Address, 0, len(opp.Path)+1)
	route = append(route, quoteAddr)
	for _, hop := range opp.Path {
		if hop.Invert {
			route = append(route, baseAddr)
		} else {
			route = append(route, quoteAddr)
		}
	}
	return route, nil
}

// encodeExecute ABI-encodes the executeArbitrage call:
// head words for the static args and dynamic-array offsets, then each array
// as length plus left-padded elements.
func encodeExecute(provider int64, routers, tokens []common.Address, amount *big.Int) []byte {
	// Head: provider, routers offset, tokens offset, amount.
	const headWords = 4
	routersOffset := headWords * 32
	tokensOffset := routersOffset + 32 + len(routers)*32

	buf := make([]byte, 0, 4+(headWords+2+len(routers)+len(tokens))*32)
	buf = append(buf, executeSelector...)
	buf = append(buf, word(big.NewInt(provider))...)
	buf = append(buf, word(big.NewInt(int64(routersOffset)))...)
	buf = append(buf, word(big.NewInt(int64(tokensOffset)))...)
	buf = append(buf, word(amount)...)

	buf = append(buf, word(big.NewInt(int64(len(routers))))...)
	for _, a := range routers {
		buf = append(buf, common.LeftPadBytes(a.Bytes(), 32)...)
	}
	buf = append(buf, word(big.NewInt(int64(len(tokens))))...)
	for _, a := range tokens {
		buf = append(buf, common.LeftPadBytes(a.Bytes(), 32)...)
	}
	return buf
}

// word returns the 32-byte big-endian representation of n.
func word(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// usdToUnits converts a USD notional into integer token units at the given
// decimal scale.
func usdToUnits(usd float64, decimals int) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(usd), pow10(decimals))
	out, _ := scaled.Int(nil)
	return out
}

func pow10(n int) *big.Float {
	out := big.NewFloat(1)
	ten := big.NewFloat(10)
	for i := 0; i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}

func splitPair(pair domain.AssetPair) (base, quote string, err error) {
	parts := strings.SplitN(string(pair), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("chain: malformed pair %q", pair)
	}
	return parts[0], parts[1], nil
}

var _ domain.TxBuilder = (*Builder)(nil)
