package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewfinderco/viewfinder/internal/store"
)

func TestFollowerLabelInvariants(t *testing.T) {
	f := &Follower{UserID: 1, ViewpointID: "v1", Labels: []string{LabelAdmin}}
	assert.True(t, f.IsAdmin())
	assert.True(t, f.CanContribute())
	assert.True(t, f.CanView())

	// A right-granting label is required unless removed.
	err := f.SetLabels([]string{})
	assert.Error(t, err)
	require.NoError(t, f.SetLabels([]string{LabelContribute}))
	assert.False(t, f.IsAdmin())
	assert.True(t, f.CanContribute())

	// Removing is allowed.
	require.NoError(t, f.SetLabels([]string{LabelContribute, LabelRemoved}))
	assert.True(t, f.IsRemoved())
	assert.False(t, f.CanContribute())
	assert.False(t, f.CanView())

	// Once removed, no label may be taken away.
	err = f.SetLabels([]string{LabelContribute})
	assert.Error(t, err)
	require.NoError(t, f.SetLabels([]string{LabelContribute, LabelRemoved, LabelUnrevivable}))
}

func TestViewedSeqBoundedByUpdateSeq(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory()

	require.NoError(t, PutViewpoint(ctx, client, &Viewpoint{
		ViewpointID: "v1", Type: ViewpointTypeEvent, UserID: 1, UpdateSeq: 3,
	}))
	require.NoError(t, PutFollower(ctx, client, &Follower{
		UserID: 2, ViewpointID: "v1", Labels: []string{LabelContribute},
	}))

	// Advancing past update_seq clamps.
	require.NoError(t, AdvanceViewedSeq(ctx, client, 2, "v1", 10))
	f, err := GetFollower(ctx, client, 2, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.ViewedSeq)

	// viewed_seq never regresses.
	require.NoError(t, AdvanceViewedSeq(ctx, client, 2, "v1", 1))
	f, err = GetFollower(ctx, client, 2, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.ViewedSeq)
}

func TestListFollowers(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory()

	for _, uid := range []int64{5, 2, 9} {
		require.NoError(t, PutFollower(ctx, client, &Follower{
			UserID: uid, ViewpointID: "v1", Labels: []string{LabelContribute},
		}))
	}
	ids, err := ListFollowers(ctx, client, "v1")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 5, 9}, ids)
}
