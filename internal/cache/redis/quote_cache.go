package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flasharb/engine/internal/domain"
)

// quoteTTL expires mirror entries so a dead feed does not leave phantom
// prices behind.
const quoteTTL = 2 * time.Minute

// QuoteCache mirrors the latest quote per (venue, pair) into Redis, one hash
// per venue. Read-only consumers (dashboards, sibling engines) get current
// prices without a feed connection of their own.
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func venueKey(v domain.Venue) string {
	return "quotes:" + string(v)
}

// Set writes one quote to the venue's hash and refreshes its TTL.
func (qc *QuoteCache) Set(ctx context.Context, q domain.Quote) error {
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis: marshal quote %s: %w", q.Key(), err)
	}
	key := venueKey(q.Venue)
	pipe := qc.rdb.Pipeline()
	pipe.HSet(ctx, key, string(q.Pair), payload)
	pipe.Expire(ctx, key, quoteTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Key(), err)
	}
	return nil
}

// Get returns the mirrored quote for one (venue, pair), if present.
func (qc *QuoteCache) Get(ctx context.Context, venue domain.Venue, pair domain.AssetPair) (domain.Quote, bool, error) {
	raw, err := qc.rdb.HGet(ctx, venueKey(venue), string(pair)).Result()
	if err != nil {
		if err == redis.Nil {
			return domain.Quote{}, false, nil
		}
		return domain.Quote{}, false, fmt.Errorf("redis: get quote %s@%s: %w", pair, venue, err)
	}
	var q domain.Quote
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return domain.Quote{}, false, fmt.Errorf("redis: decode quote %s@%s: %w", pair, venue, err)
	}
	return q, true, nil
}

// ByVenue returns every mirrored quote for one venue, keyed by pair.
func (qc *QuoteCache) ByVenue(ctx context.Context, venue domain.Venue) (map[domain.AssetPair]domain.Quote, error) {
	raw, err := qc.rdb.HGetAll(ctx, venueKey(venue)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list quotes for %s: %w", venue, err)
	}
	out := make(map[domain.AssetPair]domain.Quote, len(raw))
	for pair, blob := range raw {
		var q domain.Quote
		if err := json.Unmarshal([]byte(blob), &q); err != nil {
			continue // skip torn entries, the feed will rewrite them
		}
		out[domain.AssetPair(pair)] = q
	}
	return out, nil
}
