package locker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAcquireContention(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "event-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	_, err = l.Acquire(ctx, "event-1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	// A different key is independent.
	_, err = l.Acquire(ctx, "event-2", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryReleaseAllowsReacquire(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "event-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, lease))

	_, err = l.Acquire(ctx, "event-1", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryExpiredLeaseIsReacquirable(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	l := NewMemoryLocker().WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := l.Acquire(ctx, "event-1", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = l.Acquire(ctx, "event-1", time.Second)
	assert.NoError(t, err, "expired lease no longer blocks")
}

func TestMemoryStaleReleaseIsNoOp(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	l := NewMemoryLocker().WithClock(func() time.Time { return now })
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "event-1", time.Second)
	require.NoError(t, err)

	// The lease expires and another holder takes over.
	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, "event-1", time.Minute)
	require.NoError(t, err)

	// The stale holder's release must not drop the successor's lock.
	require.NoError(t, l.Release(ctx, stale))
	_, err = l.Acquire(ctx, "event-1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, l.Release(ctx, fresh))
}

func TestMemoryRefresh(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	l := NewMemoryLocker().WithClock(func() time.Time { return now })
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "event-1", 2*time.Second)
	require.NoError(t, err)

	now = now.Add(time.Second)
	require.NoError(t, l.Refresh(ctx, lease, 2*time.Second))

	// Past the original expiry but within the refreshed lease.
	now = now.Add(1500 * time.Millisecond)
	_, err = l.Acquire(ctx, "event-1", time.Second)
	assert.ErrorIs(t, err, ErrHeld)

	// Refreshing an expired lease fails.
	now = now.Add(time.Minute)
	assert.ErrorIs(t, l.Refresh(ctx, lease, time.Second), ErrHeld)
}

func TestAcquireWaitSucceedsAfterRelease(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "event-1", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = l.Release(ctx, lease)
	}()

	got, err := AcquireWait(ctx, l, "event-1", time.Minute, time.Second)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestAcquireWaitBudgetExhausted(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	_, err := l.Acquire(ctx, "event-1", time.Minute)
	require.NoError(t, err)

	_, err = AcquireWait(ctx, l, "event-1", time.Minute, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrHeld)
}
