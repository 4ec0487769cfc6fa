// Package ratelimit provides Redis-based fixed-window rate limiting for
// uploads, keyed by recipient key hash.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ratePrefix    = "relay:rate:"
	windowSeconds = 60
)

// checkAndConsumeScript performs the whole check-and-consume as one atomic
// step on the server: deny without incrementing when the pre-increment value
// is already at the limit, otherwise increment and arm the window expiry on
// the first increment. Returns {allowed, counter}.
var checkAndConsumeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
	return {0, current}
end
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return {1, count}
`)

// Result reports the outcome of one rate-limit check. ResetAt is the next
// wall-clock minute boundary in unix ms, independent of when the window's
// counter was first armed; bursts across a boundary are accepted behavior.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   int64
}

// Limiter counts accepted upload attempts per recipient in fixed 60-second
// windows.
type Limiter struct {
	redis *redis.Client
}

func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{redis: rdb}
}

// CheckAndConsume consumes one slot from the recipient's window. If the
// counter is already at or above limit the call denies without incrementing
// further; concurrent callers see this atomically, so a window can never
// admit more than limit uploads.
func (l *Limiter) CheckAndConsume(ctx context.Context, keyHash string, limit int) (Result, error) {
	key := ratePrefix + keyHash

	resetAt := (time.Now().Unix()/60 + 1) * 60 * 1000

	vals, err := checkAndConsumeScript.Run(ctx, l.redis, []string{key}, limit, windowSeconds).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("failed to update rate counter: %w", err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("unexpected rate counter reply: %v", vals)
	}

	if vals[0] == 0 {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	remaining := limit - int(vals[1])
	if remaining < 0 {
		remaining = 0
	}

	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}
