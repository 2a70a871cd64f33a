package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL is how long the leader lock is held before it must be
// renewed by the next TryAcquire call.
const DefaultLeaseTTL = 90 * time.Second

// renewScript extends the lease only if this token still holds it, so a
// process that lost leadership (e.g. after a long GC pause) can't
// accidentally extend a lease another process has since acquired.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript releases the lock only if this token still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaderLock elects one sweeper across a fleet via a Redis advisory
// lock (SET NX PX).
type RedisLeaderLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLeaderLock constructs a RedisLeaderLock under keyPrefix, with a
// lease TTL of ttl (DefaultLeaseTTL if zero).
func NewRedisLeaderLock(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisLeaderLock {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisLeaderLock{
		client: client,
		key:    keyPrefix + ":sweeper:leader",
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryAcquire attempts to become leader, or to renew this process's
// existing lease if it already holds it.
func (l *RedisLeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	if renewed == 1 {
		return true, nil
	}

	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release gives up the lease early if this process still holds it.
func (l *RedisLeaderLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
