package locker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memLease struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is a single-process Locker for tests and embedded runs.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memLease
	clock func() time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]memLease),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic expiry testing.
func (l *MemoryLocker) WithClock(clock func() time.Time) *MemoryLocker {
	l.clock = clock
	return l
}

// Acquire takes the lock unless a live lease holds it.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expiresAt) {
		return nil, ErrHeld
	}

	token := uuid.New().String()
	l.held[key] = memLease{token: token, expiresAt: now.Add(ttl)}
	return &Lease{
		Key:       key,
		Token:     token,
		TTL:       ttl,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Release drops the lock if the lease token still owns it.
func (l *MemoryLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[lease.Key]; ok && cur.token == lease.Token {
		delete(l.held, lease.Key)
	}
	return nil
}

// Refresh extends the lease if the token still owns the lock.
func (l *MemoryLocker) Refresh(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if lease == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	cur, ok := l.held[lease.Key]
	if !ok || cur.token != lease.Token || !now.Before(cur.expiresAt) {
		return ErrHeld
	}
	cur.expiresAt = now.Add(ttl)
	l.held[lease.Key] = cur
	lease.TTL = ttl
	lease.ExpiresAt = cur.expiresAt
	return nil
}
