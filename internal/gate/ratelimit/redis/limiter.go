// Package redis implements ratelimit.Limiter as a fleet-wide sliding-window
// counter backed by a Redis sorted set, driving go-redis with context-scoped
// calls against a shared cluster for cross-worker coordination. The window
// check, eviction, and insert run inside one Lua script so concurrent
// callers across the fleet observe a serializable per-domain counter.
package redis

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crawlkit/core/internal/clock"
	"github.com/crawlkit/core/internal/gate/ratelimit"
)

const keyPrefix = "crawlkit:ratelimit:"

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ms - window_ms)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now_ms, member)
	redis.call('PEXPIRE', key, window_ms)
	return 1
end
return 0
`)

// Limiter is a Redis-backed, fleet-wide sliding-window ratelimit.Limiter.
type Limiter struct {
	client  *redis.Client
	clock   clock.Clock
	counter atomic.Uint64
}

// New constructs a Limiter against client.
func New(client *redis.Client, clk clock.Clock) *Limiter {
	return &Limiter{client: client, clock: clk}
}

// AcquireSlot implements ratelimit.Limiter via the sliding-window Lua
// script. On a denial it issues a follow-up ZRANGE to estimate how long the
// caller should wait before the oldest entry falls out of the window; this
// second read is not part of the atomic decision and is advisory only, per
// the "brief overruns are acceptable under clock skew" contract.
func (l *Limiter) AcquireSlot(ctx context.Context, domain string, qps float64, window time.Duration) (ratelimit.Decision, error) {
	if qps <= 0 {
		return ratelimit.Decision{Ready: true}, nil
	}
	limit := int64(qps * window.Seconds())
	if limit < 1 {
		limit = 1
	}

	key := keyPrefix + domain
	now := l.clock.Now()
	nowMS := now.UnixMilli()
	windowMS := window.Milliseconds()
	member := fmt.Sprintf("%d-%d", nowMS, l.counter.Add(1))

	result, err := acquireScript.Run(ctx, l.client, []string{key}, nowMS, windowMS, limit, member).Int()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("ratelimit/redis: acquireslot: %w", err)
	}
	if result == 1 {
		return ratelimit.Decision{Ready: true}, nil
	}

	waitFor := l.estimateWait(ctx, key, now, window)
	return ratelimit.Decision{Ready: false, WaitFor: waitFor}, nil
}

func (l *Limiter) estimateWait(ctx context.Context, key string, now time.Time, window time.Duration) time.Duration {
	oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return window
	}
	oldestAt := time.UnixMilli(int64(oldest[0].Score))
	wait := window - now.Sub(oldestAt)
	if wait < 0 {
		return 0
	}
	return wait
}
