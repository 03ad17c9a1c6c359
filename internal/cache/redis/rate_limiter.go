package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flasharb/engine/internal/domain"
)

// slidingWindowScript admits a request when fewer than ARGV[3] entries fall
// inside the trailing window. Admitted requests are recorded atomically, so
// concurrent callers cannot overshoot the limit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
	return {0, count}
end
redis.call("ZADD", key, now, now .. "-" .. count)
redis.call("PEXPIRE", key, math.ceil(window / 1000))
return {1, count + 1}
`)

// RateLimiter implements domain.RateLimiter with a sliding window over a
// Redis sorted set.
type RateLimiter struct {
	rdb *redis.Client
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying()}
}

// Allow reports whether a request for key fits under limit per window, and
// counts it when it does.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMicro()
	result, err := slidingWindowScript.Run(ctx, rl.rdb,
		[]string{"ratelimit:" + key},
		now, window.Microseconds(), limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
