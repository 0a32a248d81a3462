package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"passwordless-auth/internal/client"
	"passwordless-auth/internal/util"
)

const ipRateLimitPrefix = "ip_rate_limit:"

// increments the window counter, starting its expiry on the first hit
const incrWindowScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}`

// IPThrottle is a fixed-window request counter per client address. It sits
// in front of the per-contact limits and only blunts floods from one source.
type IPThrottle struct {
	client *client.RedisClient
	limit  int
	window time.Duration
}

func NewIPThrottle(client *client.RedisClient, limit int, window time.Duration) *IPThrottle {
	return &IPThrottle{client: client, limit: limit, window: window}
}

// Allow counts one request from ip. When denied, retryAfter is the time left
// in the current window.
func (t *IPThrottle) Allow(ctx context.Context, ip string) (bool, time.Duration, error) {
	if t.limit <= 0 {
		return true, 0, nil
	}
	key := ipRateLimitPrefix + ip

	res, err := t.client.Eval(ctx, incrWindowScript, []string{key}, t.window.Milliseconds())
	if err != nil {
		util.Error("Failed to increment IP rate limit counter",
			zap.String("ip", ip),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to increment IP rate limit counter: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected IP rate limit reply %T", res)
	}
	count, _ := vals[0].(int64)
	ttl, _ := vals[1].(int64)

	if int(count) <= t.limit {
		return true, 0, nil
	}
	retry := time.Duration(ttl) * time.Millisecond
	if retry <= 0 {
		retry = t.window
	}
	util.Debug("IP rate limit exceeded",
		zap.String("ip", ip),
		zap.Int64("count", count),
		zap.Duration("retry_after", retry))
	return false, retry, nil
}
