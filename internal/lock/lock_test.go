package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, "book:1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxSeen)
	}
	if len(l.locks) != 0 {
		t.Fatalf("expected entries to be cleaned up, got %d", len(l.locks))
	}
}

func TestLocalHonoursContextWhileWaiting(t *testing.T) {
	l := NewLocal()
	release, err := l.Lock(context.Background(), "book:2")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "book:2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	other, err := l.Lock(context.Background(), "book:3")
	if err != nil {
		t.Fatalf("independent key should not block: %v", err)
	}
	other()
}

func newRedisLocker(t *testing.T, opts RedisOptions) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, opts), redisSrv
}

func TestRedisLockWaitsAndReleases(t *testing.T) {
	l, redisSrv := newRedisLocker(t, RedisOptions{Prefix: "test:lock", WaitTimeout: 50 * time.Millisecond, RetryInterval: 5 * time.Millisecond})
	ctx := context.Background()

	release, err := l.Lock(ctx, "book:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !redisSrv.Exists("test:lock:book:1") {
		t.Fatalf("expected lock key in redis")
	}
	if _, err := l.Lock(ctx, "book:1"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected contention error, got %v", err)
	}
	release()
	release()
	if redisSrv.Exists("test:lock:book:1") {
		t.Fatalf("expected lock key to be deleted on release")
	}
	again, err := l.Lock(ctx, "book:1")
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	again()
}

func TestRedisReleaseKeepsForeignLock(t *testing.T) {
	l, redisSrv := newRedisLocker(t, RedisOptions{Prefix: "test:lock", TTL: time.Second, WaitTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	stale, err := l.Lock(ctx, "book:9")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	redisSrv.FastForward(2 * time.Second)

	current, err := l.Lock(ctx, "book:9")
	if err != nil {
		t.Fatalf("lock after expiry: %v", err)
	}
	defer current()

	stale()
	if !redisSrv.Exists("test:lock:book:9") {
		t.Fatalf("stale holder must not delete the current lock")
	}
}

func TestRedisLockRenewsWhileHeld(t *testing.T) {
	l, redisSrv := newRedisLocker(t, RedisOptions{Prefix: "test:lock", TTL: 300 * time.Millisecond})
	release, err := l.Lock(context.Background(), "book:4")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	redisSrv.FastForward(250 * time.Millisecond)
	// Give the renewer a tick of real time to push the expiry forward.
	time.Sleep(150 * time.Millisecond)
	redisSrv.FastForward(250 * time.Millisecond)
	if !redisSrv.Exists("test:lock:book:4") {
		t.Fatalf("lock expired while still held")
	}

	release()
	if redisSrv.Exists("test:lock:book:4") {
		t.Fatalf("expected lock key to be deleted on release")
	}
}
