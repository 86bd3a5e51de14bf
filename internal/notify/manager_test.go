package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewfinderco/viewfinder/internal/model"
	"github.com/viewfinderco/viewfinder/internal/store"
)

func testOp() OpInfo {
	return OpInfo{OperationID: "o123", UserID: 1, DeviceID: 1, Timestamp: 1_600_000_000}
}

func TestNotificationIDsMonotonic(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory()
	m := NewManager(client, nil, nil)

	var prev int64
	for i := 0; i < 10; i++ {
		n, err := m.CreateForUser(ctx, testOp(), 2, Record{
			Name:       "test",
			ActivityID: "a123",
			Invalidate: &Invalidation{Users: []int64{1}},
		})
		require.NoError(t, err)
		assert.Greater(t, n.NotificationID, prev)
		prev = n.NotificationID
		// Each activity notification for a non-sender bumps the badge.
		assert.Equal(t, int64(i+1), n.Badge)
	}
}

func TestBadgeSemantics(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory()
	m := NewManager(client, nil, nil)

	// The sender's own notification does not bump the badge.
	n, err := m.CreateForUser(ctx, testOp(), 1, Record{Name: "share_new", ActivityID: "a1"})
	require.NoError(t, err)
	assert.Zero(t, n.Badge)

	// A notification without an activity does not bump the badge.
	n, err = m.CreateForUser(ctx, testOp(), 2, Record{Name: "update_viewpoint"})
	require.NoError(t, err)
	assert.Zero(t, n.Badge)

	// An activity for another user bumps it.
	n, err = m.CreateForUser(ctx, testOp(), 2, Record{Name: "share_new", ActivityID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Badge)

	// clear_badges resets.
	n, err = m.ClearBadges(ctx, testOp(), 2)
	require.NoError(t, err)
	assert.Zero(t, n.Badge)

	// The next activity counts from zero again.
	n, err = m.CreateForUser(ctx, testOp(), 2, Record{Name: "post_comment", ActivityID: "a2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Badge)
}

// Concurrent creators for the same user must never produce duplicate ids.
func TestConcurrentAllocationRaces(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory()
	m := NewManager(client, nil, nil)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.CreateForUser(ctx, testOp(), 5, Record{Name: "test", ActivityID: "a1"})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	notifications, err := model.ListNotifications(ctx, client, 5, 0, 0)
	require.NoError(t, err)
	require.Len(t, notifications, n)
	seen := make(map[int64]bool)
	var prev int64
	for _, notif := range notifications {
		assert.False(t, seen[notif.NotificationID])
		seen[notif.NotificationID] = true
		assert.Greater(t, notif.NotificationID, prev)
		prev = notif.NotificationID
	}
}

func TestNotifyFollowersSkipsRemoved(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory()
	m := NewManager(client, nil, nil)

	require.NoError(t, model.PutFollower(ctx, client, &model.Follower{
		UserID: 1, ViewpointID: "v1", Labels: []string{model.LabelAdmin},
	}))
	require.NoError(t, model.PutFollower(ctx, client, &model.Follower{
		UserID: 2, ViewpointID: "v1", Labels: []string{model.LabelContribute},
	}))
	require.NoError(t, model.PutFollower(ctx, client, &model.Follower{
		UserID: 3, ViewpointID: "v1", Labels: []string{model.LabelContribute, model.LabelRemoved},
	}))

	err := m.NotifyFollowers(ctx, testOp(), "v1", Record{
		Name:        "share_new",
		ActivityID:  "a1",
		ViewpointID: "v1",
		Invalidate:  &Invalidation{Viewpoints: []ViewpointInvalidation{{ViewpointID: "v1", GetActivities: true}}},
	})
	require.NoError(t, err)

	for _, tc := range []struct {
		userID int64
		count  int
	}{{1, 1}, {2, 1}, {3, 0}} {
		ns, err := model.ListNotifications(ctx, client, tc.userID, 0, 0)
		require.NoError(t, err)
		assert.Len(t, ns, tc.count, "user %d", tc.userID)
	}
}
