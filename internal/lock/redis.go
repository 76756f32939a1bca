package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"atlaslibrary/internal/util"
)

// Release only deletes the key while it still holds our token, so a holder
// whose TTL lapsed cannot free somebody else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Extend pushes the expiry forward only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisOptions tunes the distributed locker.
type RedisOptions struct {
	Prefix        string
	TTL           time.Duration
	RetryInterval time.Duration
	WaitTimeout   time.Duration
}

// Redis is a distributed Locker built on SET NX PX. While a lock is held its
// TTL is renewed every TTL/3, so the TTL only bounds how long a crashed
// holder blocks the key.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	wait   time.Duration
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "atlas:lock"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	wait := opts.WaitTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, retry: retry, wait: wait}
}

func (l *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + ":" + key
	token := util.NewID()
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	for {
		ok, err := l.client.SetNX(waitCtx, redisKey, token, l.ttl).Result()
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, l.waitErr(ctx, key)
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}
		select {
		case <-waitCtx.Done():
			return nil, l.waitErr(ctx, key)
		case <-time.After(l.retry):
		}
	}
}

func (l *Redis) waitErr(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotAcquired, key)
}

// renew extends the lease until stop is closed. It gives up once the key no
// longer carries token.
func (l *Redis) renew(redisKey, token string, stop <-chan struct{}) {
	every := l.ttl / 3
	if every < time.Millisecond {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		held, err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			util.LoggerFromContext(ctx).Warn("lock renew failed", "key", redisKey, "err", err)
			continue
		}
		if held == 0 {
			util.LoggerFromContext(ctx).Warn("lock lost before release", "key", redisKey)
			return
		}
	}
}

func (l *Redis) releaser(redisKey, token string) func() {
	stop := make(chan struct{})
	go l.renew(redisKey, token, stop)
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
				util.LoggerFromContext(ctx).Warn("lock release failed", "key", redisKey, "err", err)
			}
		})
	}
}
