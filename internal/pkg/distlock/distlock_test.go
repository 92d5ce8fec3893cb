package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "date-field-scan", time.Minute)

	ok, err := lock.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !ok {
		t.Fatal("first Acquire() should succeed")
	}

	// Second holder must be rejected while the lock is held
	other := NewRedisLock(client, "date-field-scan", time.Minute)
	ok, err = other.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if ok {
		t.Error("second Acquire() should fail while lock is held")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	ok, err = other.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after release error: %v", err)
	}
	if !ok {
		t.Error("Acquire() should succeed after release")
	}
}

func TestRedisLock_ReleaseOnlyIfOwned(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "scan", time.Minute)
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("Acquire() should succeed")
	}

	// A stranger releasing the same key must not free the holder's lock
	stranger := NewRedisLock(client, "scan", time.Minute)
	if err := stranger.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	third := NewRedisLock(client, "scan", time.Minute)
	ok, err := third.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if ok {
		t.Error("lock should still be held after a non-owner release")
	}
}

func TestRedisLock_Extend(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "scan", time.Minute)
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("Acquire() should succeed")
	}
	if err := lock.Extend(ctx, 2*time.Minute); err != nil {
		t.Errorf("Extend() error: %v", err)
	}
}
