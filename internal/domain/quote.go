// Package domain defines the core types shared by every component of the
// arbitrage engine: quotes, opportunities, execution records, and the
// interfaces implemented by the storage and messaging layers.
package domain

import (
	"fmt"
	"time"
)

// Venue identifies one liquidity venue (exchange) by name, e.g. "uniswap".
type Venue string

// AssetPair identifies a tradable pair in BASE/QUOTE form, e.g. "ETH/USDC".
type AssetPair string

// QuoteKey uniquely identifies a quote stream: one venue quoting one pair.
type QuoteKey struct {
	Venue Venue
	Pair  AssetPair
}

func (k QuoteKey) String() string {
	return fmt.Sprintf("%s@%s", k.Pair, k.Venue)
}

// Quote is an immutable price observation for a (venue, pair) key. Newer
// quotes supersede older ones; a Quote value is never mutated in place.
type Quote struct {
	Venue      Venue     `json:"venue"`
	Pair       AssetPair `json:"pair"`
	Price      float64   `json:"price"`     // units of quote asset per base asset
	Liquidity  float64   `json:"liquidity"` // available depth in quote-asset notional
	ObservedAt time.Time `json:"observed_at"`
}

// Key returns the quote's identity key.
func (q Quote) Key() QuoteKey {
	return QuoteKey{Venue: q.Venue, Pair: q.Pair}
}

// QuoteSnapshot is a point-in-time, immutable view of the quote store. The
// Version increases monotonically with every accepted upsert so consumers can
// cheaply detect staleness.
type QuoteSnapshot struct {
	Quotes  map[QuoteKey]Quote
	Version uint64
	TakenAt time.Time
}

// Get returns the quote for the given key, if present.
func (s QuoteSnapshot) Get(venue Venue, pair AssetPair) (Quote, bool) {
	q, ok := s.Quotes[QuoteKey{Venue: venue, Pair: pair}]
	return q, ok
}

// ByPair returns all quotes in the snapshot for the given pair, keyed by venue.
func (s QuoteSnapshot) ByPair(pair AssetPair) map[Venue]Quote {
	out := make(map[Venue]Quote)
	for k, q := range s.Quotes {
		if k.Pair == pair {
			out[k.Venue] = q
		}
	}
	return out
}
