// Package pathfinder enumerates candidate arbitrage cycles over a quote
// snapshot and prices them net of fees, gas, and slippage. FindOpportunities
// is a pure function of the snapshot: no side effects, deterministic output
// order, no randomness.
package pathfinder

import (
	"math"
	"sort"
	"time"

	"github.com/flasharb/engine/internal/domain"
)

// Config holds the tunable parameters of the cycle search and profit model.
type Config struct {
	// MaxHops caps cycle length. Hops alternate buy/sell over one pair, so
	// effective values are 2 or 4. Values above 4 are clamped.
	MaxHops int

	// MinHopImprovementBps prunes the search: a sell hop must improve on the
	// preceding buy hop by at least this much, gross of fees.
	MinHopImprovementBps float64

	// FloorNetBps discards candidates below this net profit before they ever
	// reach the registry.
	FloorNetBps float64

	// MaxTradeNotional bounds the volume in quote-asset terms.
	MaxTradeNotional float64

	// LiquidityFraction bounds volume to this share of the thinnest hop's
	// available depth.
	LiquidityFraction float64

	// ImpactCoeff scales the linear slippage model:
	// slippage_bps = coeff * volume / thinnest_liquidity * 10_000.
	ImpactCoeff float64

	// PerVenueFeeBps is the taker fee charged by each venue. Venues absent
	// from the map trade fee-free.
	PerVenueFeeBps map[domain.Venue]float64

	// GasPerHopETH estimates the gas burn of one swap leg in ETH.
	GasPerHopETH float64

	// ETHPriceUSD converts the gas estimate into the trade's quote-asset cost
	// basis when the snapshot has no ETH/USDC quote to derive it from.
	ETHPriceUSD float64

	// SelfFundedLimit is the largest notional executable from wallet balance;
	// anything above it requires a flash loan for the full volume.
	SelfFundedLimit float64

	// TTL is the lifetime stamped on each candidate at creation.
	TTL time.Duration

	// EpochSeconds is the dedup bucket width for opportunity ids.
	EpochSeconds int64
}

// DefaultConfig returns the parameters used when the config file leaves the
// pathfinder section empty.
func DefaultConfig() Config {
	return Config{
		MaxHops:              4,
		MinHopImprovementBps: 5,
		FloorNetBps:          1,
		MaxTradeNotional:     50_000,
		LiquidityFraction:    0.01,
		ImpactCoeff:          0.5,
		GasPerHopETH:         0.012,
		ETHPriceUSD:          3000,
		SelfFundedLimit:      10_000,
		TTL:                  15 * time.Second,
		EpochSeconds:         15,
	}
}

// Finder runs the cycle search. It holds only immutable configuration and is
// safe for concurrent use.
type Finder struct {
	cfg Config
}

// NewFinder creates a Finder, normalising out-of-range config values.
func NewFinder(cfg Config) *Finder {
	if cfg.MaxHops <= 0 || cfg.MaxHops > 4 {
		cfg.MaxHops = 4
	}
	if cfg.LiquidityFraction <= 0 || cfg.LiquidityFraction > 1 {
		cfg.LiquidityFraction = 0.01
	}
	if cfg.EpochSeconds <= 0 {
		cfg.EpochSeconds = int64(cfg.TTL / time.Second)
		if cfg.EpochSeconds <= 0 {
			cfg.EpochSeconds = 15
		}
	}
	return &Finder{cfg: cfg}
}

// FindOpportunities enumerates profitable cycles in the snapshot. Candidates
// are returned ordered by descending net profit; candidates below the
// configured floor are dropped here so the registry never sees them.
func (f *Finder) FindOpportunities(snap domain.QuoteSnapshot) []domain.Opportunity {
	now := snap.TakenAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	epoch := now.Unix() / f.cfg.EpochSeconds

	var out []domain.Opportunity
	for _, pair := range sortedPairs(snap) {
		quotes := snap.ByPair(pair)
		if len(quotes) < 2 {
			continue
		}
		for _, cycle := range f.searchPair(pair, quotes) {
			opp, ok := f.price(pair, cycle, snap, now, epoch)
			if ok {
				out = append(out, opp)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].NetProfitBps != out[j].NetProfitBps {
			return out[i].NetProfitBps > out[j].NetProfitBps
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// cycle is an ordered list of venue legs; even positions buy, odd positions
// sell, so a completed cycle starts and ends holding the quote asset.
type cycle []domain.Venue

// searchPair enumerates alternating buy/sell venue sequences for one pair via
// bounded DFS. A sell leg is only taken when it improves on the preceding buy
// by the configured per-hop threshold, which prunes the combinatorial blowup.
func (f *Finder) searchPair(pair domain.AssetPair, quotes map[domain.Venue]domain.Quote) []cycle {
	venues := make([]domain.Venue, 0, len(quotes))
	for v := range quotes {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })

	improvement := 1 + f.cfg.MinHopImprovementBps/10_000

	var found []cycle
	var dfs func(path cycle, used map[domain.Venue]bool)
	dfs = func(path cycle, used map[domain.Venue]bool) {
		holdingBase := len(path)%2 == 1
		if !holdingBase && len(path) >= 2 {
			cp := make(cycle, len(path))
			copy(cp, path)
			found = append(found, cp)
		}
		if len(path) == f.cfg.MaxHops {
			return
		}
		for _, v := range venues {
			if used[v] {
				continue
			}
			if holdingBase {
				// Sell leg: must beat the venue we bought from.
				buyVenue := path[len(path)-1]
				if quotes[v].Price < quotes[buyVenue].Price*improvement {
					continue
				}
			}
			used[v] = true
			dfs(append(path, v), used)
			used[v] = false
		}
	}
	dfs(nil, make(map[domain.Venue]bool, len(venues)))
	return found
}

// price turns a venue cycle into a fully-costed Opportunity. Returns false
// when the cycle nets out below the floor or lacks usable liquidity.
func (f *Finder) price(pair domain.AssetPair, c cycle, snap domain.QuoteSnapshot, now time.Time, epoch int64) (domain.Opportunity, bool) {
	opp, ok := f.priceUnfloored(pair, c, snap)
	if !ok || opp.GrossProfitBps <= 0 || opp.NetProfitBps < f.cfg.FloorNetBps {
		return domain.Opportunity{}, false
	}

	opp.ID = ComputeOpportunityID(pair, opp.Path, epoch)
	opp.Status = domain.StatusDetected
	opp.SnapshotVer = snap.Version
	opp.CreatedAt = now
	opp.ExpiresAt = now.Add(f.cfg.TTL)
	opp.LastRefreshed = now
	return opp, true
}

// gasBps converts the cycle's estimated gas burn into basis points of the
// trade notional, using a live ETH quote when the snapshot carries one.
func (f *Finder) gasBps(hopCount int, volume float64, snap domain.QuoteSnapshot) float64 {
	ethUSD := f.cfg.ETHPriceUSD
	for _, k := range []domain.QuoteKey{
		{Venue: "uniswap", Pair: "ETH/USDC"},
		{Venue: "sushiswap", Pair: "ETH/USDC"},
	} {
		if q, ok := snap.Quotes[k]; ok && q.Price > 0 {
			ethUSD = q.Price
			break
		}
	}
	gasUSD := f.cfg.GasPerHopETH * float64(hopCount) * ethUSD
	return gasUSD / volume * 10_000
}

// Reprice recomputes an opportunity's profitability against a fresh snapshot,
// preserving its identity and lifecycle fields. It returns false when any hop
// venue no longer quotes the pair.
func (f *Finder) Reprice(opp domain.Opportunity, snap domain.QuoteSnapshot) (domain.Opportunity, bool) {
	c := make(cycle, len(opp.Path))
	for i, h := range opp.Path {
		c[i] = h.Venue
	}
	repriced, ok := f.priceUnfloored(opp.Pair, c, snap)
	if !ok {
		return domain.Opportunity{}, false
	}

	opp.Path = repriced.Path
	opp.Volume = repriced.Volume
	opp.GrossProfitBps = repriced.GrossProfitBps
	opp.NetProfitBps = repriced.NetProfitBps
	opp.GasEstimate = repriced.GasEstimate
	opp.SlippageBps = repriced.SlippageBps
	opp.FlashLoanRequired = repriced.FlashLoanRequired
	opp.FlashLoanAmount = repriced.FlashLoanAmount
	opp.SnapshotVer = snap.Version
	return opp, true
}

// priceUnfloored is price without the floor filter: revalidation needs the
// real number even when it has collapsed.
func (f *Finder) priceUnfloored(pair domain.AssetPair, c cycle, snap domain.QuoteSnapshot) (domain.Opportunity, bool) {
	quotes := snap.ByPair(pair)

	hops := make([]domain.Hop, len(c))
	product := 1.0
	thinnest := math.Inf(1)
	for i, v := range c {
		q, ok := quotes[v]
		if !ok {
			return domain.Opportunity{}, false
		}
		fee := 1 - f.cfg.PerVenueFeeBps[v]/10_000
		buy := i%2 == 0
		rate := q.Price * fee
		if buy {
			rate = fee / q.Price
		}
		hops[i] = domain.Hop{Venue: v, Pair: pair, Invert: buy, Rate: rate}
		product *= rate
		if q.Liquidity < thinnest {
			thinnest = q.Liquidity
		}
	}
	if thinnest <= 0 || math.IsInf(thinnest, 1) {
		return domain.Opportunity{}, false
	}

	volume := math.Min(f.cfg.MaxTradeNotional, thinnest*f.cfg.LiquidityFraction)
	if volume <= 0 {
		return domain.Opportunity{}, false
	}
	grossBps := (product - 1) * 10_000
	slippageBps := f.cfg.ImpactCoeff * volume / thinnest * 10_000
	netBps := grossBps - f.gasBps(len(c), volume, snap) - slippageBps

	opp := domain.Opportunity{
		Pair:              pair,
		Path:              hops,
		Volume:            volume,
		GrossProfitBps:    grossBps,
		NetProfitBps:      netBps,
		GasEstimate:       f.cfg.GasPerHopETH * float64(len(c)),
		SlippageBps:       slippageBps,
		FlashLoanRequired: volume > f.cfg.SelfFundedLimit,
	}
	if opp.FlashLoanRequired {
		opp.FlashLoanAmount = volume
	}
	return opp, true
}

func sortedPairs(snap domain.QuoteSnapshot) []domain.AssetPair {
	seen := make(map[domain.AssetPair]bool)
	var pairs []domain.AssetPair
	for k := range snap.Quotes {
		if !seen[k.Pair] {
			seen[k.Pair] = true
			pairs = append(pairs, k.Pair)
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i] < pairs[j] })
	return pairs
}
