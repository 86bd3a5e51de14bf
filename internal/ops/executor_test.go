package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewfinderco/viewfinder/internal/clock"
	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/gateway"
	"github.com/viewfinderco/viewfinder/internal/lock"
	"github.com/viewfinderco/viewfinder/internal/model"
	"github.com/viewfinderco/viewfinder/internal/notify"
	"github.com/viewfinderco/viewfinder/internal/store"
)

type testEnv struct {
	client   *store.Memory
	clk      *clock.Fake
	locks    *lock.Manager
	notify   *notify.Manager
	email    *gateway.TestEmail
	sms      *gateway.TestSMS
	registry *Registry
	executor *Executor
	manager  *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ClearFailpoints()
	t.Cleanup(ClearFailpoints)

	env := &testEnv{
		client:   store.NewMemory(),
		clk:      clock.NewFake(time.Unix(1_600_000_000, 0)),
		email:    &gateway.TestEmail{},
		sms:      &gateway.TestSMS{},
		registry: NewRegistry(),
	}
	// Seeded fixtures use low ids; prime the allocators past them.
	for _, idType := range []string{"user_id", "device_id"} {
		_, err := env.client.UpdateItem(context.Background(), store.TableIDAllocator,
			store.Key{Hash: store.StringKey(idType)},
			map[string]store.Update{"next": store.Put(store.Number(1000))}, nil)
		require.NoError(t, err)
	}
	env.locks = lock.NewManager(env.client, env.clk, nil)
	env.notify = notify.NewManager(env.client, nil, nil)
	env.executor = NewExecutor(env.client, env.locks, env.notify, env.email, env.sms, env.registry, nil, "test-owner")
	env.manager = NewManager(env.client, env.locks, env.executor, env.registry, env.clk, nil,
		ManagerConfig{QuarantineAttempts: 20, Workers: 8}, "test-owner")
	require.NoError(t, env.manager.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.manager.Stop(ctx)
	})
	return env
}

// seedUser creates a registered user with a default viewpoint.
func (env *testEnv) seedUser(t *testing.T, userID int64, name, email string) *model.User {
	t.Helper()
	ctx := context.Background()
	vpID := model.ConstructViewpointID(userID*10, 1)
	user := &model.User{
		UserID:      userID,
		Name:        name,
		Email:       email,
		PrivateVpID: vpID,
		Registered:  true,
	}
	require.NoError(t, model.PutUser(ctx, env.client, user))
	require.NoError(t, model.PutViewpoint(ctx, env.client, &model.Viewpoint{
		ViewpointID: vpID,
		Type:        model.ViewpointTypeDefault,
		UserID:      userID,
		LastUpdated: env.clk.Now().Unix(),
	}))
	require.NoError(t, model.PutFollower(ctx, env.client, &model.Follower{
		UserID:      userID,
		ViewpointID: vpID,
		Labels:      []string{model.LabelAdmin, model.LabelPersonal},
		Timestamp:   env.clk.Now().Unix(),
	}))
	if email != "" {
		require.NoError(t, model.PutIdentity(ctx, env.client, &model.Identity{
			Key: "Email:" + email, UserID: userID,
		}))
	}
	return user
}

// run executes a method synchronously through the scheduler and returns its
// outcome.
func (env *testEnv) run(t *testing.T, userID, deviceID int64, method string, args interface{}) error {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	_, done, err := env.manager.CreateAndExecute(context.Background(), userID, deviceID, method, raw, "", 0, true)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("operation %s did not complete", method)
		return nil
	}
}

// uploadPhoto seeds one episode with one photo via upload_episode.
func (env *testEnv) uploadPhoto(t *testing.T, userID int64, episodeID, photoID string, size int64) {
	t.Helper()
	require.NoError(t, env.run(t, userID, 1, "upload_episode", map[string]interface{}{
		"episode": map[string]interface{}{"episode_id": episodeID, "timestamp": env.clk.Now().Unix()},
		"photos": []map[string]interface{}{
			{"photo_id": photoID, "timestamp": env.clk.Now().Unix(), "size_bytes": size},
		},
	}))
}

func shareNewArgsFor(vpID, srcEp, newEp, photoID, activityID string, contacts []map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"viewpoint": map[string]interface{}{"viewpoint_id": vpID, "title": "trip"},
		"episodes": []map[string]interface{}{
			{"existing_episode_id": srcEp, "new_episode_id": newEp, "photo_ids": []string{photoID}},
		},
		"contacts": contacts,
		"activity": map[string]interface{}{"activity_id": activityID, "timestamp": 1_600_000_000},
	}
}

// S1: share_new produces badge 1 for the recipient, update_seq 2, and the
// full invite invalidation.
func TestShareNewBadgeAndInvalidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ts := env.clk.Now().Unix()

	env.seedUser(t, 1, "A", "a@example.com")
	env.seedUser(t, 2, "B", "b@example.com")

	epID := model.ConstructEpisodeID(ts, 1, 1)
	photoID := model.ConstructPhotoID(ts, 1, 2)
	env.uploadPhoto(t, 1, epID, photoID, 1000)

	vpID := model.ConstructViewpointID(1, 100)
	newEpID := model.ConstructEpisodeID(ts, 1, 3)
	activityID := model.ConstructActivityID(ts, 1, 4)

	require.NoError(t, env.run(t, 1, 1, "share_new", shareNewArgsFor(
		vpID, epID, newEpID, photoID, activityID,
		[]map[string]interface{}{{"user_id": 2}},
	)))

	vp, err := model.GetViewpoint(ctx, env.client, vpID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), vp.UpdateSeq)

	follower, err := model.GetFollower(ctx, env.client, 2, vpID)
	require.NoError(t, err)
	require.NotNil(t, follower)
	assert.Zero(t, follower.ViewedSeq)
	assert.True(t, follower.CanContribute())

	ns, err := model.ListNotifications(ctx, env.client, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	n := ns[0]
	assert.Equal(t, "share_new", n.Name)
	assert.Equal(t, int64(1), n.Badge)
	assert.Equal(t, vpID, n.ViewpointID)
	assert.Equal(t, activityID, n.ActivityID)
	assert.Equal(t, int64(2), n.UpdateSeq)

	var inv notify.Invalidation
	require.NoError(t, json.Unmarshal([]byte(n.Invalidate), &inv))
	require.Len(t, inv.Viewpoints, 1)
	assert.Equal(t, notify.ViewpointInvalidation{
		ViewpointID:   vpID,
		GetAttributes: true,
		GetFollowers:  true,
		GetActivities: true,
		GetEpisodes:   true,
	}, inv.Viewpoints[0])
	assert.Equal(t, []int64{1}, inv.Users)

	// The sharer's accounting reflects the share exactly once.
	h, s := model.SharedByScope(1, vpID)
	acct, err := model.GetAccounting(ctx, env.client, h, s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.NumPhotos)
	assert.Equal(t, int64(1000), acct.SizeBytes)
}

// executeDirect drives the executor by hand so failpoint retries are
// deterministic.
func executeDirect(t *testing.T, env *testEnv, userID, deviceID int64, method string, args interface{}) *Operation {
	t.Helper()
	ctx := context.Background()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	localID, err := model.AllocateAssetIDs(ctx, env.client, userID, 1)
	require.NoError(t, err)
	op := &Operation{
		UserID:      userID,
		OperationID: ConstructOperationID(deviceID, localID),
		Method:      method,
		Args:        raw,
		DeviceID:    deviceID,
		Timestamp:   env.clk.Now().Unix(),
	}
	require.NoError(t, CreateOperation(ctx, env.client, op))
	return op
}

// S2: a crash after ACCOUNT replays to the same final state, and the
// recipient gets exactly one notification.
func TestRetryAfterAccountIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ts := env.clk.Now().Unix()

	env.seedUser(t, 1, "A", "a@example.com")
	env.seedUser(t, 2, "B", "b@example.com")

	epID := model.ConstructEpisodeID(ts, 1, 1)
	photoID := model.ConstructPhotoID(ts, 1, 2)
	env.uploadPhoto(t, 1, epID, photoID, 1000)

	vpID := model.ConstructViewpointID(1, 100)
	activityID := model.ConstructActivityID(ts, 1, 4)
	args := shareNewArgsFor(vpID, epID, model.ConstructEpisodeID(ts, 1, 3), photoID, activityID,
		[]map[string]interface{}{{"user_id": 2}})

	EnableFailpoint("share_new:"+FailpointAfterAccount, 1)
	op := executeDirect(t, env, 1, 1, "share_new", args)

	err := env.executor.Execute(ctx, op)
	var fp *FailpointError
	require.True(t, errors.As(err, &fp), "expected failpoint, got %v", err)

	// No notification went out before the crash.
	ns, err := model.ListNotifications(ctx, env.client, 2, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, ns)

	// Retry from the persisted checkpoint.
	reloaded, err := GetOperation(ctx, env.client, 1, op.OperationID)
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	require.NoError(t, env.executor.Execute(ctx, reloaded))
	require.NoError(t, CompleteOp(ctx, env.client, 1, op.OperationID))

	vp, err := model.GetViewpoint(ctx, env.client, vpID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), vp.UpdateSeq)

	ns, err = model.ListNotifications(ctx, env.client, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, int64(1), ns[0].NotificationID)
	assert.Equal(t, int64(1), ns[0].Badge)

	// Accounting applied exactly once despite two ACCOUNT passes.
	h, s := model.SharedByScope(1, vpID)
	acct, err := model.GetAccounting(ctx, env.client, h, s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.NumPhotos)
}

// Crashing at every phase boundary converges to the same final state.
func TestIdempotenceAtEveryBoundary(t *testing.T) {
	for _, boundary := range []string{FailpointAfterCheck, FailpointAfterUpdate, FailpointAfterAccount} {
		t.Run(boundary, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			ts := env.clk.Now().Unix()

			env.seedUser(t, 1, "A", "a@example.com")
			env.seedUser(t, 2, "B", "b@example.com")

			epID := model.ConstructEpisodeID(ts, 1, 1)
			photoID := model.ConstructPhotoID(ts, 1, 2)
			env.uploadPhoto(t, 1, epID, photoID, 500)

			vpID := model.ConstructViewpointID(1, 100)
			activityID := model.ConstructActivityID(ts, 1, 4)
			args := shareNewArgsFor(vpID, epID, model.ConstructEpisodeID(ts, 1, 3), photoID, activityID,
				[]map[string]interface{}{{"user_id": 2}})

			EnableFailpoint("share_new:"+boundary, 1)
			op := executeDirect(t, env, 1, 1, "share_new", args)

			err := env.executor.Execute(ctx, op)
			var fp *FailpointError
			require.True(t, errors.As(err, &fp))

			reloaded, err := GetOperation(ctx, env.client, 1, op.OperationID)
			require.NoError(t, err)
			require.NoError(t, env.executor.Execute(ctx, reloaded))

			vp, err := model.GetViewpoint(ctx, env.client, vpID)
			require.NoError(t, err)
			assert.Equal(t, int64(2), vp.UpdateSeq)

			ns, err := model.ListNotifications(ctx, env.client, 2, 0, 0)
			require.NoError(t, err)
			require.Len(t, ns, 1, "exactly one notification after replay")

			h, s := model.SharedByScope(1, vpID)
			acct, err := model.GetAccounting(ctx, env.client, h, s)
			require.NoError(t, err)
			assert.Equal(t, int64(1), acct.NumPhotos)

			posts, err := model.ListPosts(ctx, env.client, model.ConstructEpisodeID(ts, 1, 3))
			require.NoError(t, err)
			assert.Len(t, posts, 1)
		})
	}
}

// S3: unshare labels posts, reverses accounting, and invalidates activities
// and episodes for followers.
func TestUnshare(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ts := env.clk.Now().Unix()

	env.seedUser(t, 1, "A", "a@example.com")
	env.seedUser(t, 2, "B", "b@example.com")

	epID := model.ConstructEpisodeID(ts, 1, 1)
	photoID := model.ConstructPhotoID(ts, 1, 2)
	env.uploadPhoto(t, 1, epID, photoID, 800)

	vpID := model.ConstructViewpointID(1, 100)
	newEpID := model.ConstructEpisodeID(ts, 1, 3)
	require.NoError(t, env.run(t, 1, 1, "share_new", shareNewArgsFor(
		vpID, epID, newEpID, photoID, model.ConstructActivityID(ts, 1, 4),
		[]map[string]interface{}{{"user_id": 2}},
	)))

	require.NoError(t, env.run(t, 1, 1, "unshare", map[string]interface{}{
		"viewpoint_id": vpID,
		"episodes": []map[string]interface{}{
			{"episode_id": newEpID, "photo_ids": []string{photoID}},
		},
		"activity": map[string]interface{}{"activity_id": model.ConstructActivityID(ts, 1, 5)},
	}))

	post, err := model.GetPost(ctx, env.client, newEpID, photoID)
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.True(t, post.IsUnshared())
	assert.True(t, post.IsRemoved())

	// sb:A:V reversed to zero.
	h, s := model.SharedByScope(1, vpID)
	acct, err := model.GetAccounting(ctx, env.client, h, s)
	require.NoError(t, err)
	assert.Zero(t, acct.NumPhotos)
	assert.Zero(t, acct.SizeBytes)

	ns, err := model.ListNotifications(ctx, env.client, 2, 0, 0)
	require.NoError(t, err)
	last := ns[len(ns)-1]
	assert.Equal(t, "unshare", last.Name)
	var inv notify.Invalidation
	require.NoError(t, json.Unmarshal([]byte(last.Invalidate), &inv))
	require.Len(t, inv.Viewpoints, 1)
	assert.True(t, inv.Viewpoints[0].GetActivities)
	assert.True(t, inv.Viewpoints[0].GetEpisodes)
}

// S4: remove_photos outside the private viewpoint is rejected with no
// mutations and no notification.
func TestRemovePhotosFromSharedViewpointRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ts := env.clk.Now().Unix()

	env.seedUser(t, 1, "A", "a@example.com")
	env.seedUser(t, 2, "B", "b@example.com")

	epID := model.ConstructEpisodeID(ts, 1, 1)
	photoID := model.ConstructPhotoID(ts, 1, 2)
	env.uploadPhoto(t, 1, epID, photoID, 100)

	vpID := model.ConstructViewpointID(1, 100)
	newEpID := model.ConstructEpisodeID(ts, 1, 3)
	require.NoError(t, env.run(t, 1, 1, "share_new", shareNewArgsFor(
		vpID, epID, newEpID, photoID, model.ConstructActivityID(ts, 1, 4),
		[]map[string]interface{}{{"user_id": 2}},
	)))
	before, err := model.ListNotifications(ctx, env.client, 1, 0, 0)
	require.NoError(t, err)

	err = env.run(t, 1, 1, "remove_photos", map[string]interface{}{
		"episodes": []map[string]interface{}{
			{"episode_id": newEpID, "photo_ids": []string{photoID}},
		},
	})
	require.Error(t, err)
	ve := vferrors.GetError(err)
	require.NotNil(t, ve)
	assert.Equal(t, vferrors.IDInvalidRemovePhotosViewpoint, ve.ID)
	assert.Equal(t, vferrors.KindPermission, ve.Kind)

	// No mutation: the post carries no removed label, no new notification.
	post, err := model.GetPost(ctx, env.client, newEpID, photoID)
	require.NoError(t, err)
	assert.False(t, post.IsRemoved())
	after, err := model.ListNotifications(ctx, env.client, 1, 0, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

// S5: concurrent add_followers from two actors serialize on the viewpoint
// lock; both followers land and update_seq advances exactly twice.
func TestConcurrentAddFollowers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ts := env.clk.Now().Unix()

	env.seedUser(t, 1, "A", "a@example.com")
	env.seedUser(t, 2, "B", "b@example.com")
	env.seedUser(t, 3, "X", "x@example.com")
	env.seedUser(t, 4, "Y", "y@example.com")

	epID := model.ConstructEpisodeID(ts, 1, 1)
	photoID := model.ConstructPhotoID(ts, 1, 2)
	env.uploadPhoto(t, 1, epID, photoID, 100)

	vpID := model.ConstructViewpointID(1, 100)
	require.NoError(t, env.run(t, 1, 1, "share_new", shareNewArgsFor(
		vpID, epID, model.ConstructEpisodeID(ts, 1, 3), photoID, model.ConstructActivityID(ts, 1, 4),
		[]map[string]interface{}{{"user_id": 2}},
	)))
	vpBefore, err := model.GetViewpoint(ctx, env.client, vpID)
	require.NoError(t, err)

	// Two hosts, one op each: A adds X, B adds Y.
	executorB := NewExecutor(env.client, env.locks, env.notify, env.email, env.sms, env.registry, nil, "other-host")
	opA := executeDirect(t, env, 1, 1, "add_followers", map[string]interface{}{
		"viewpoint_id": vpID,
		"contacts":     []map[string]interface{}{{"user_id": 3}},
		"activity":     map[string]interface{}{"activity_id": model.ConstructActivityID(ts, 1, 5)},
	})
	opB := executeDirect(t, env, 2, 2, "add_followers", map[string]interface{}{
		"viewpoint_id": vpID,
		"contacts":     []map[string]interface{}{{"user_id": 4}},
		"activity":     map[string]interface{}{"activity_id": model.ConstructActivityID(ts, 2, 6)},
	})

	runUntilDone := func(ex *Executor, op *Operation, done chan<- error) {
		for {
			err := ex.Execute(ctx, op)
			if errors.Is(err, lock.ErrLockFailed) {
				time.Sleep(10 * time.Millisecond)
				op2, gerr := GetOperation(ctx, env.client, op.UserID, op.OperationID)
				if gerr == nil && op2 != nil {
					op = op2
				}
				continue
			}
			done <- err
			return
		}
	}
	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go runUntilDone(env.executor, opA, doneA)
	go runUntilDone(executorB, opB, doneB)
	require.NoError(t, <-doneA)
	require.NoError(t, <-doneB)

	for _, uid := range []int64{3, 4} {
		f, err := model.GetFollower(ctx, env.client, uid, vpID)
		require.NoError(t, err)
		require.NotNil(t, f, "user %d", uid)
		assert.True(t, f.CanContribute())

		// Each new follower got a well-formed invite notification. It is the
		// user's first one: whichever op ran second also notifies the
		// follower the first op added, with a follower-list update.
		ns, err := model.ListNotifications(ctx, env.client, uid, 0, 0)
		require.NoError(t, err)
		require.NotEmpty(t, ns)
		var inv notify.Invalidation
		require.NoError(t, json.Unmarshal([]byte(ns[0].Invalidate), &inv))
		require.Len(t, inv.Viewpoints, 1)
		assert.True(t, inv.Viewpoints[0].GetAttributes)
		assert.True(t, inv.Viewpoints[0].GetEpisodes)
	}

	vpAfter, err := model.GetViewpoint(ctx, env.client, vpID)
	require.NoError(t, err)
	assert.Equal(t, vpBefore.UpdateSeq+2, vpAfter.UpdateSeq)
}

// S6: sharing with an unknown identity registers a prospective user via a
// nested operation and alerts them by email.
func TestNestedProspectiveUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ts := env.clk.Now().Unix()

	env.seedUser(t, 1, "A", "a@example.com")

	epID := model.ConstructEpisodeID(ts, 1, 1)
	photoID := model.ConstructPhotoID(ts, 1, 2)
	env.uploadPhoto(t, 1, epID, photoID, 100)

	vpID := model.ConstructViewpointID(1, 100)
	require.NoError(t, env.run(t, 1, 1, "share_new", shareNewArgsFor(
		vpID, epID, model.ConstructEpisodeID(ts, 1, 3), photoID, model.ConstructActivityID(ts, 1, 4),
		[]map[string]interface{}{{"identity": "Email:new@example.com"}},
	)))

	ident, err := model.GetIdentity(ctx, env.client, "Email:new@example.com")
	require.NoError(t, err)
	require.NotNil(t, ident)
	require.NotZero(t, ident.UserID)

	newUser, err := model.GetUser(ctx, env.client, ident.UserID)
	require.NoError(t, err)
	assert.False(t, newUser.Registered)
	assert.NotEmpty(t, newUser.PrivateVpID)

	f, err := model.GetFollower(ctx, env.client, ident.UserID, vpID)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.True(t, f.CanContribute())

	emails := env.email.Messages()
	require.Len(t, emails, 1)
	assert.Equal(t, "new@example.com", emails[0].To)

	// The nested op left no residue in the queue.
	pending, err := ScanPendingOps(ctx, env.client, 1, "", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// Operations submitted O1, O2, O3 to one user apply in that order.
func TestPerUserOrdering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ts := env.clk.Now().Unix()

	env.seedUser(t, 1, "A", "a@example.com")
	env.seedUser(t, 2, "B", "b@example.com")

	epID := model.ConstructEpisodeID(ts, 1, 1)
	photoID := model.ConstructPhotoID(ts, 1, 2)
	env.uploadPhoto(t, 1, epID, photoID, 100)

	vpID := model.ConstructViewpointID(1, 100)
	require.NoError(t, env.run(t, 1, 1, "share_new", shareNewArgsFor(
		vpID, epID, model.ConstructEpisodeID(ts, 1, 3), photoID, model.ConstructActivityID(ts, 1, 4),
		[]map[string]interface{}{{"user_id": 2}},
	)))

	// Three comments submitted back to back, the last synchronously.
	var lastDone <-chan error
	for i := 0; i < 3; i++ {
		args, _ := json.Marshal(map[string]interface{}{
			"viewpoint_id": vpID,
			"comment_id":   model.ConstructCommentID(ts, 1, int64(10+i)),
			"message":      fmt.Sprintf("c%d", i),
			"activity":     map[string]interface{}{"activity_id": model.ConstructActivityID(ts, 1, int64(20+i))},
		})
		_, done, err := env.manager.CreateAndExecute(ctx, 1, 1, "post_comment", args, "", 0, i == 2)
		require.NoError(t, err)
		if done != nil {
			lastDone = done
		}
	}
	select {
	case err := <-lastDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("comments did not complete")
	}

	// All three landed and update_seq advanced once per comment, in order.
	comments, err := model.ListComments(ctx, env.client, vpID, 0)
	require.NoError(t, err)
	require.Len(t, comments, 3)

	activities, err := model.ListActivities(ctx, env.client, vpID, 0)
	require.NoError(t, err)
	seqByMessage := map[string]int64{}
	for _, a := range activities {
		if a.Name != "post_comment" {
			continue
		}
		var args postCommentArgs
		require.NoError(t, json.Unmarshal([]byte(a.Args), &args))
		seqByMessage[args.Message] = a.UpdateSeq
	}
	assert.Equal(t, seqByMessage["c0"]+1, seqByMessage["c1"])
	assert.Equal(t, seqByMessage["c1"]+1, seqByMessage["c2"])

	vp, err := model.GetViewpoint(ctx, env.client, vpID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), vp.UpdateSeq)
}

func TestUpdateFollowerViewedSeq(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ts := env.clk.Now().Unix()

	env.seedUser(t, 1, "A", "a@example.com")
	env.seedUser(t, 2, "B", "b@example.com")

	epID := model.ConstructEpisodeID(ts, 1, 1)
	photoID := model.ConstructPhotoID(ts, 1, 2)
	env.uploadPhoto(t, 1, epID, photoID, 100)

	vpID := model.ConstructViewpointID(1, 100)
	require.NoError(t, env.run(t, 1, 1, "share_new", shareNewArgsFor(
		vpID, epID, model.ConstructEpisodeID(ts, 1, 3), photoID, model.ConstructActivityID(ts, 1, 4),
		[]map[string]interface{}{{"user_id": 2}},
	)))

	// B reads the conversation; viewed_seq advances but clamps at
	// update_seq.
	require.NoError(t, env.run(t, 2, 2, "update_follower", map[string]interface{}{
		"viewpoint_id": vpID,
		"viewed_seq":   99,
	}))
	f, err := model.GetFollower(ctx, env.client, 2, vpID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.ViewedSeq)
}

func TestCheckErrorAbortsCleanly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedUser(t, 1, "A", "a@example.com")

	// A share into a nonexistent viewpoint id fails CHECK with a permission
	// error (the caller does not follow it) → aborted cleanly, not quarantined.
	err := env.run(t, 1, 1, "share_existing", map[string]interface{}{
		"viewpoint_id": "vMissing",
		"episodes":     []map[string]interface{}{},
		"activity":     map[string]interface{}{"activity_id": "aX"},
	})
	require.Error(t, err)

	pending, err := ScanPendingOps(ctx, env.client, 1, "", 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "client errors abort cleanly")
}
