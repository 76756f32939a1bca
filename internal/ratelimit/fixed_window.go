// Package ratelimit throttles abusable endpoints such as login.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter reports whether one more hit for key is within quota.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// incrWindow bumps the counter and starts its expiry on the first hit only.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// FixedWindowLimiter counts hits per key and window bucket in Redis, so all
// replicas share a quota.
type FixedWindowLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	max    int64
	window time.Duration
	now    func() time.Time
}

// NewRedisFixedWindowLimiter allows limit hits per key in every window.
func NewRedisFixedWindowLimiter(rdb redis.UniversalClient, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	switch {
	case rdb == nil:
		return nil, errors.New("ratelimit: redis client required")
	case limit <= 0:
		return nil, errors.New("ratelimit: limit must be positive")
	case window < time.Millisecond:
		return nil, errors.New("ratelimit: window must be at least 1ms")
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "atlas:library:ratelimit"
	}
	return &FixedWindowLimiter{
		rdb:    rdb,
		prefix: prefix,
		max:    int64(limit),
		window: window,
		now:    time.Now,
	}, nil
}

// Allow fails closed: a Redis error denies the hit.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	ms := l.window.Milliseconds()
	bucket := l.now().UnixMilli() / ms
	redisKey := l.prefix + ":" + normalizeKey(key) + ":" + strconv.FormatInt(bucket, 10)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	n, err := incrWindow.Run(ctx, l.rdb, []string{redisKey}, ms).Int64()
	return err == nil && n <= l.max
}

func normalizeKey(key string) string {
	if key = strings.TrimSpace(key); key == "" {
		return "unknown"
	}
	return key
}
