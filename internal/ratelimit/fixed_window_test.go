package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLimiter(t *testing.T, limit int) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l, err := NewRedisFixedWindowLimiter(rdb, "test:login", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return l, mr
}

func TestFixedWindowQuotaPerKey(t *testing.T) {
	l, _ := newRedisLimiter(t, 2)
	ctx := context.Background()
	for i, want := range []bool{true, true, false} {
		if got := l.Allow(ctx, "10.0.0.1"); got != want {
			t.Fatalf("hit %d: allow=%v want %v", i+1, got, want)
		}
	}
	if !l.Allow(ctx, "10.0.0.2") {
		t.Fatalf("second client should have its own quota")
	}
}

func TestFixedWindowResetsOnNextBucket(t *testing.T) {
	l, _ := newRedisLimiter(t, 1)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()
	if !l.Allow(ctx, "reader") || l.Allow(ctx, "reader") {
		t.Fatalf("expected one hit per window")
	}
	l.now = func() time.Time { return base.Add(time.Minute) }
	if !l.Allow(ctx, "reader") {
		t.Fatalf("next window should start a fresh count")
	}
}

func TestFixedWindowFailsClosed(t *testing.T) {
	l, mr := newRedisLimiter(t, 5)
	mr.Close()
	if l.Allow(context.Background(), "reader") {
		t.Fatalf("redis outage must deny")
	}
}

func TestFixedWindowConstructorChecks(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()
	if _, err := NewRedisFixedWindowLimiter(nil, "", 1, time.Second); err == nil {
		t.Fatalf("expected missing client error")
	}
	if _, err := NewRedisFixedWindowLimiter(rdb, "", 0, time.Second); err == nil {
		t.Fatalf("expected zero limit error")
	}
	if _, err := NewRedisFixedWindowLimiter(rdb, "", 1, 0); err == nil {
		t.Fatalf("expected zero window error")
	}
}

func TestLocalLimiterBurstPerKey(t *testing.T) {
	l, err := NewLocalLimiter(2, time.Hour)
	if err != nil {
		t.Fatalf("new local limiter: %v", err)
	}
	ctx := context.Background()
	if !l.Allow(ctx, "a") || !l.Allow(ctx, "a") || l.Allow(ctx, "a") {
		t.Fatalf("expected a burst of two then a denial")
	}
	if !l.Allow(ctx, " ") {
		t.Fatalf("blank keys share the unknown bucket and start fresh")
	}
	if _, err := NewLocalLimiter(0, time.Second); err == nil {
		t.Fatalf("expected zero limit error")
	}
}
