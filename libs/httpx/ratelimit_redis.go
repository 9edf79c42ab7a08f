package httpx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter shared by every gateway replica.
type RedisLimiter struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	prefix string
}

// Returns {count, pttl}. The expiry is set only by the first hit in a window.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {current, redis.call("PTTL", KEYS[1])}
`)

func NewRedisLimiter(rdb redis.Scripter, limit int, per time.Duration, prefix string) *RedisLimiter {
	if limit <= 0 {
		limit = 60
	}
	if per <= 0 {
		per = time.Minute
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisLimiter{rdb: rdb, limit: limit, window: per, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := fixedWindowScript.Run(ctx, l.rdb, []string{l.prefix + ":" + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	if res[0] <= int64(l.limit) {
		return true, 0, nil
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = l.window
	}
	return false, ttl, nil
}
