package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLimiter(t *testing.T, capacity int) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, "test", capacity, time.Minute), mr
}

func TestRedisLimiter_AcquireUpToCapacityThenBusy(t *testing.T) {
	l, _ := newTestRedisLimiter(t, 2)
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "a", time.Second); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := l.Acquire(ctx, "b", time.Second); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if _, err := l.Acquire(ctx, "c", 300*time.Millisecond); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestRedisLimiter_ReleaseFreesSlot(t *testing.T) {
	l, _ := newTestRedisLimiter(t, 1)
	ctx := context.Background()

	slot, err := l.Acquire(ctx, "a", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(ctx, slot); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := l.Acquire(ctx, "b", time.Second); err != nil {
		t.Fatalf("expected acquire to succeed after release, got %v", err)
	}
}

func TestRedisLimiter_ExpiredSlotIsReclaimed(t *testing.T) {
	l, _ := newTestRedisLimiter(t, 1)
	ctx := context.Background()

	// Slot expiry is a wall-clock score checked by the acquire script, so an
	// injected clock (not miniredis TTLs) models the holder going silent.
	base := time.Now()
	l.now = func() time.Time { return base }

	if _, err := l.Acquire(ctx, "a", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	l.now = func() time.Time { return base.Add(2 * time.Minute) }

	if _, err := l.Acquire(ctx, "b", time.Second); err != nil {
		t.Fatalf("expected expired slot to be reclaimed, got %v", err)
	}
}

func TestRedisLimiter_RenewExtendsExpiry(t *testing.T) {
	l, _ := newTestRedisLimiter(t, 1)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	slot, err := l.Acquire(ctx, "a", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	l.now = func() time.Time { return base.Add(50 * time.Second) }
	if err := l.Renew(ctx, slot); err != nil {
		t.Fatalf("renew: %v", err)
	}

	// 100s after acquire the original lease would have lapsed, but the renew
	// at 50s pushed expiry to 110s. The clock keeps advancing in real time
	// from there so Acquire's wait deadline still elapses.
	start := time.Now()
	l.now = func() time.Time { return base.Add(100*time.Second + time.Since(start)) }

	if _, err := l.Acquire(ctx, "b", 200*time.Millisecond); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected renewed slot to still hold capacity, got %v", err)
	}
}

func TestRedisLimiter_Capacity(t *testing.T) {
	l, _ := newTestRedisLimiter(t, 5)
	if l.Capacity() != 5 {
		t.Fatalf("expected capacity 5, got %d", l.Capacity())
	}
}
