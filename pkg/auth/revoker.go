package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker remembers logged-out token ids until the token would have
// expired anyway. A non-positive ttl is a no-op.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryTokenRevoker is process-local; logouts are not seen by other replicas.
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{expires: make(map[string]time.Time), now: time.Now}
}

func (r *MemoryTokenRevoker) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for id, exp := range r.expires {
		if !now.Before(exp) {
			delete(r.expires, id)
		}
	}
	r.expires[tokenID] = now.Add(ttl)
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.expires[tokenID]
	return ok && r.now().Before(exp), nil
}

// RedisTokenRevoker shares revocations between replicas through keys that
// expire with the token.
type RedisTokenRevoker struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisTokenRevoker uses "atlas:library:revoked" when prefix is empty.
func NewRedisTokenRevoker(rdb redis.UniversalClient, prefix string) *RedisTokenRevoker {
	if prefix == "" {
		prefix = "atlas:library:revoked"
	}
	return &RedisTokenRevoker{rdb: rdb, prefix: prefix}
}

func (r *RedisTokenRevoker) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	// A repeated logout keeps the first expiry.
	return r.rdb.SetNX(ctx, r.prefix+":"+tokenID, 1, ttl).Err()
}

func (r *RedisTokenRevoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.prefix+":"+tokenID).Result()
	return n == 1, err
}
