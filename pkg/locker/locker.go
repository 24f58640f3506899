// Package locker provides ephemeral per-key TTL locks with fail-fast
// acquisition. A lock guards the verification of one event key; it is
// never held past its lease and is never persisted.
package locker

import (
	"context"
	"errors"
	"time"
)

// ErrHeld is returned when the key's lock is already held elsewhere.
// Contention is not an error condition for callers: skip and continue.
var ErrHeld = errors.New("lock already held")

// Lease is a granted lock. The token is checked on release and refresh
// so an expired holder can never release a successor's lock.
type Lease struct {
	Key       string
	Token     string
	TTL       time.Duration
	ExpiresAt time.Time
}

// Locker acquires per-key TTL locks. Acquire is non-blocking: on
// contention it returns ErrHeld immediately, never waits.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
	Refresh(ctx context.Context, lease *Lease, ttl time.Duration) error
}

// AcquireWait polls Acquire until it succeeds or the wait budget runs
// out. Intake uses it to serialize merges on one key without turning
// producer submissions into hard failures on transient contention.
func AcquireWait(ctx context.Context, l Locker, key string, ttl, wait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		lease, err := l.Acquire(ctx, key, ttl)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrHeld) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
