package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewfinderco/viewfinder/internal/clock"
	"github.com/viewfinderco/viewfinder/internal/store"
)

func newTestManager() (*Manager, *clock.Fake) {
	clk := clock.NewFake(time.Unix(1_600_000_000, 0))
	return NewManager(store.NewMemory(), clk, nil), clk
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	h1, err := m.Acquire(ctx, ResourceOperation, "1", "owner-a", "")
	require.NoError(t, err)

	// A second owner cannot take the same lock.
	_, err = m.Acquire(ctx, ResourceOperation, "1", "owner-b", "")
	assert.ErrorIs(t, err, ErrLockFailed)

	// Re-acquiring by the same owner refreshes.
	_, err = m.Acquire(ctx, ResourceOperation, "1", "owner-a", "")
	require.NoError(t, err)

	m.Release(ctx, h1)
	_, err = m.Acquire(ctx, ResourceOperation, "1", "owner-b", "")
	require.NoError(t, err)
}

func TestAbandonmentSteal(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager()

	h1, err := m.Acquire(ctx, ResourceOperation, "7", "sleeper", "")
	require.NoError(t, err)

	// Before the abandonment window passes the lock holds.
	clk.Advance(Abandonment - time.Second)
	_, err = m.Acquire(ctx, ResourceOperation, "7", "thief", "")
	assert.ErrorIs(t, err, ErrLockFailed)

	// Once abandoned, a competitor steals it.
	clk.Advance(2 * time.Second)
	h2, err := m.Acquire(ctx, ResourceOperation, "7", "thief", "")
	require.NoError(t, err)

	// The sleeper's renewal and conditional release now fail.
	assert.ErrorIs(t, m.Renew(ctx, h1), ErrLockFailed)
	m.Release(ctx, h1) // logged, not fatal

	// The thief still holds the lock.
	require.NoError(t, m.Renew(ctx, h2))
}

func TestRenewExtendsExpiration(t *testing.T) {
	ctx := context.Background()
	m, clk := newTestManager()

	h, err := m.Acquire(ctx, ResourceViewpoint, "v1", "owner", "")
	require.NoError(t, err)

	clk.Advance(40 * time.Second)
	require.NoError(t, m.Renew(ctx, h))

	// 40s + 40s exceeds the original window but not the renewed one.
	clk.Advance(40 * time.Second)
	_, err = m.Acquire(ctx, ResourceViewpoint, "v1", "thief", "")
	assert.ErrorIs(t, err, ErrLockFailed)
}

func TestTrackerSortedAcquisition(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	tr := NewTracker(m, "owner")
	require.NoError(t, tr.AcquireAll(ctx, []string{"v9", "v1", "v5"}))
	assert.True(t, tr.IsLocked("v1"))
	assert.True(t, tr.IsLocked("v5"))
	assert.True(t, tr.IsLocked("v9"))

	// Idempotent re-acquire within the same tracker.
	require.NoError(t, tr.AcquireViewpointLock(ctx, "v5"))

	// Another owner is shut out until release.
	other := NewTracker(m, "other")
	assert.ErrorIs(t, other.AcquireViewpointLock(ctx, "v5"), ErrLockFailed)

	tr.ReleaseAll(ctx)
	require.NoError(t, other.AcquireViewpointLock(ctx, "v5"))
	other.ReleaseAll(ctx)
}
