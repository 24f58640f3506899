package locker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the stored token matches.
// KEYS[1] = lock key
// ARGV[1] = lease token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only when the stored token matches.
// KEYS[1] = lock key
// ARGV[1] = lease token
// ARGV[2] = new TTL in milliseconds
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker on redis SET NX PX semantics. It is the
// cross-process coordinator: multiple worker processes racing on the
// same event key are serialized here.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a locker backed by the given redis address.
func NewRedisLocker(addr, password string, db int) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLocker{client: rdb, prefix: "lock:"}
}

// NewRedisLockerWithClient wraps an existing client, for tests and
// shared connection pools.
func NewRedisLockerWithClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "lock:"}
}

// Ping checks connectivity, used by health checks and skip-or-run tests.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Acquire takes the lock with SET NX PX. ErrHeld on contention.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock acquire: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{
		Key:       key,
		Token:     token,
		TTL:       ttl,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// Release drops the lock if the lease token still owns it. Releasing an
// expired or superseded lease is a no-op, not an error.
func (l *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + lease.Key}, lease.Token).Err(); err != nil {
		return fmt.Errorf("redis lock release: %w", err)
	}
	return nil
}

// Refresh extends the lease TTL if the token still owns the lock.
func (l *RedisLocker) Refresh(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if lease == nil {
		return nil
	}
	res, err := refreshScript.Run(ctx, l.client,
		[]string{l.prefix + lease.Key}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis lock refresh: %w", err)
	}
	if res == 0 {
		return ErrHeld
	}
	lease.TTL = ttl
	lease.ExpiresAt = time.Now().Add(ttl)
	return nil
}
