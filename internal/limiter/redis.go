package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultSlotTTL is how long an acquired slot stays valid without renewal.
const DefaultSlotTTL = 30 * time.Minute

// acquirePollInterval bounds how often Acquire retries a contended
// acquisition while waiting for a free slot or for timeout to elapse.
const acquirePollInterval = 200 * time.Millisecond

// acquireScript prunes expired members then attempts to add a new one,
// atomically, so acquisition is a true compare-and-set against the live
// count rather than a separate read-then-write race. KEYS[1] is the
// sorted-set key; ARGV[1] is now (ms); ARGV[2] is the capacity; ARGV[3] is
// the new member's expiry score (ms); ARGV[4] is the new member token.
var acquireScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count < tonumber(ARGV[2]) then
	redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
	return 1
end
return 0
`)

// RedisLimiter is the shared-store Limiter implementation: a sorted set of
// live slot tokens keyed to wall-clock expiry. Expired
// slots are pruned lazily on the next Acquire, so a crashed task holder's
// slot is reclaimed once its TTL elapses rather than leaking forever.
type RedisLimiter struct {
	client   *redis.Client
	key      string
	capacity int
	slotTTL  time.Duration
	now      func() time.Time
}

// NewRedisLimiter constructs a RedisLimiter bounding concurrency at
// maxConcurrentTasks, with slots expiring after slotTTL (DefaultSlotTTL if
// zero) absent renewal.
func NewRedisLimiter(client *redis.Client, keyPrefix string, maxConcurrentTasks int, slotTTL time.Duration) *RedisLimiter {
	if slotTTL <= 0 {
		slotTTL = DefaultSlotTTL
	}
	return &RedisLimiter{
		client:   client,
		key:      keyPrefix + ":limiter:slots",
		capacity: maxConcurrentTasks,
		slotTTL:  slotTTL,
		now:      time.Now,
	}
}

// Acquire implements Limiter, polling the shared sorted set until a slot is
// free or timeout elapses.
func (l *RedisLimiter) Acquire(ctx context.Context, tokenID string, timeout time.Duration) (Slot, error) {
	deadline := l.now().Add(timeout)
	token := tokenID + ":" + uuid.NewString()

	for {
		ok, err := l.tryAcquire(ctx, token)
		if err != nil {
			return Slot{}, fmt.Errorf("limiter: acquire: %w", err)
		}
		if ok {
			return Slot{token: token}, nil
		}
		if l.now().After(deadline) {
			return Slot{}, ErrBusy
		}

		timer := time.NewTimer(acquirePollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Slot{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLimiter) tryAcquire(ctx context.Context, token string) (bool, error) {
	now := l.now()
	expiry := now.Add(l.slotTTL)
	res, err := acquireScript.Run(ctx, l.client, []string{l.key},
		now.UnixMilli(), l.capacity, expiry.UnixMilli(), token).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release implements Limiter.
func (l *RedisLimiter) Release(ctx context.Context, slot Slot) error {
	if slot.token == "" {
		return nil
	}
	if err := l.client.ZRem(ctx, l.key, slot.token).Err(); err != nil {
		return fmt.Errorf("limiter: release: %w", err)
	}
	return nil
}

// Renew extends slot's expiry by slotTTL. The Task Engine calls this every
// 60s while a task is in flight so a long-running-but-healthy task isn't
// mistaken for a crashed holder.
func (l *RedisLimiter) Renew(ctx context.Context, slot Slot) error {
	if slot.token == "" {
		return nil
	}
	expiry := l.now().Add(l.slotTTL)
	if err := l.client.ZAdd(ctx, l.key, redis.Z{Score: float64(expiry.UnixMilli()), Member: slot.token}).Err(); err != nil {
		return fmt.Errorf("limiter: renew: %w", err)
	}
	return nil
}

// Capacity implements Limiter.
func (l *RedisLimiter) Capacity() int {
	return l.capacity
}

// Renewer is implemented by Limiters that support slot-lease renewal.
// LocalLimiter does not need renewal since its slots are process-local and
// die with the process; RedisLimiter implements it.
type Renewer interface {
	Renew(ctx context.Context, slot Slot) error
}
