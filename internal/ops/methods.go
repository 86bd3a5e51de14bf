package ops

import (
	"context"
	"encoding/json"

	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/model"
	"github.com/viewfinderco/viewfinder/internal/notify"
)

// registerBuiltins wires every operation method into the registry.
func registerBuiltins(r *Registry) {
	r.Register("upload_episode", []string{"episode.episode_id", "photos"}, newUploadEpisode)
	r.Register("hide_photos", []string{"episodes"}, newHidePhotos)
	r.Register("remove_photos", []string{"episodes"}, newRemovePhotos)
	r.Register("unshare", []string{"viewpoint_id", "episodes", "activity.activity_id"}, newUnshare)
	r.Register("update_photo", []string{"photo_id"}, newUpdatePhoto)
	r.Register("update_user_photo", []string{"photo_id"}, newUpdateUserPhoto)

	r.Register("share_new", []string{"viewpoint.viewpoint_id", "episodes", "contacts", "activity.activity_id"}, newShareNew)
	r.Register("share_existing", []string{"viewpoint_id", "episodes", "activity.activity_id"}, newShareExisting)
	r.Register("add_followers", []string{"viewpoint_id", "contacts", "activity.activity_id"}, newAddFollowers)
	r.Register("remove_followers", []string{"viewpoint_id", "remove_ids", "activity.activity_id"}, newRemoveFollowers)
	r.Register("remove_viewpoint", []string{"viewpoint_id"}, newRemoveViewpoint)
	r.Register("update_viewpoint", []string{"viewpoint_id"}, newUpdateViewpoint)
	r.Register("post_comment", []string{"viewpoint_id", "comment_id", "activity.activity_id", "message"}, newPostComment)

	r.Register("update_follower", []string{"viewpoint_id"}, newUpdateFollower)
	r.Register("update_friend", []string{"friend_id"}, newUpdateFriend)
	r.Register("update_device", []string{"device_id"}, newUpdateDevice)
	r.Register("upload_contacts", []string{"contacts"}, newUploadContacts)
	r.Register("link_identity", []string{"identity"}, newLinkIdentity)
	r.Register("unlink_identity", []string{"identity"}, newUnlinkIdentity)
	r.Register("terminate_account", nil, newTerminateAccount)
	r.Register("merge_accounts", []string{"source_user_id"}, newMergeAccounts)
	r.Register("register_prospective_user", []string{"identity"}, newRegisterProspectiveUser)
}

// activityArgs is the client-allocated activity identity attached to every
// viewpoint-mutating request.
type activityArgs struct {
	ActivityID string `json:"activity_id"`
	Timestamp  int64  `json:"timestamp"`
}

// episodePhotos names a set of photos within one episode.
type episodePhotos struct {
	EpisodeID string   `json:"episode_id"`
	PhotoIDs  []string `json:"photo_ids"`
}

// contactArg references a share target: an existing user by id or any user
// by identity key.
type contactArg struct {
	UserID   int64  `json:"user_id,omitempty"`
	Identity string `json:"identity,omitempty"`
}

// noViewpointLocks is embedded by handlers that touch no shared viewpoint
// state.
type noViewpointLocks struct{}

func (noViewpointLocks) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	return nil, nil
}

// noAccount is embedded by handlers with no accounting changes.
type noAccount struct{}

func (noAccount) Account(ctx context.Context, oc *OpContext) error { return nil }

// loadActingUser loads the operation's user.
func loadActingUser(ctx context.Context, oc *OpContext) (*model.User, error) {
	return model.GetUser(ctx, oc.Client, oc.Op.UserID)
}

// checkEpisodePostAccess loads each named episode and its posts, verifying
// the acting user owns the episode. It is the shared CHECK step for photo
// mutations.
func checkEpisodePostAccess(ctx context.Context, oc *OpContext, episodes []episodePhotos) ([]*model.Episode, [][]*model.Post, error) {
	eps := make([]*model.Episode, len(episodes))
	posts := make([][]*model.Post, len(episodes))
	for i, epArgs := range episodes {
		ep, err := model.GetEpisode(ctx, oc.Client, epArgs.EpisodeID)
		if err != nil {
			return nil, nil, err
		}
		if ep.UserID != oc.Op.UserID {
			return nil, nil, vferrors.Permission(vferrors.IDNoAccess,
				"user %d does not own episode %s", oc.Op.UserID, ep.EpisodeID)
		}
		eps[i] = ep
		posts[i] = make([]*model.Post, len(epArgs.PhotoIDs))
		for j, photoID := range epArgs.PhotoIDs {
			post, err := model.GetPost(ctx, oc.Client, ep.EpisodeID, photoID)
			if err != nil {
				return nil, nil, err
			}
			if post == nil {
				return nil, nil, vferrors.NotFound(vferrors.IDBadRequest,
					"photo %s is not posted to episode %s", photoID, ep.EpisodeID)
			}
			posts[i][j] = post
		}
	}
	return eps, posts, nil
}

// checkFollowerContribute verifies the acting user may add content to the
// viewpoint.
func checkFollowerContribute(ctx context.Context, oc *OpContext, viewpointID string) (*model.Follower, error) {
	f, err := model.GetFollower(ctx, oc.Client, oc.Op.UserID, viewpointID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, vferrors.Permission(vferrors.IDNoAccess,
			"user %d does not follow viewpoint %s", oc.Op.UserID, viewpointID)
	}
	if !f.CanContribute() {
		return nil, vferrors.Permission(vferrors.IDCannotContribute,
			"user %d cannot contribute to viewpoint %s", oc.Op.UserID, viewpointID)
	}
	return f, nil
}

// writeActivity writes the activity row at the given update_seq. Advancing
// the viewpoint's update_seq and re-bucketing the followers' Followed index
// rows are left to the caller. Idempotent: replaying rewrites an identical
// row and the checkpoint carries the original update_seq.
func writeActivity(ctx context.Context, oc *OpContext, viewpointID, activityID, name string,
	actArgs interface{}, updateSeq int64) error {
	argsJSON, err := json.Marshal(actArgs)
	if err != nil {
		return err
	}
	return model.PutActivity(ctx, oc.Client, &model.Activity{
		ViewpointID: viewpointID,
		ActivityID:  activityID,
		UserID:      oc.Op.UserID,
		Timestamp:   oc.Op.Timestamp,
		UpdateSeq:   updateSeq,
		Name:        name,
		Args:        string(argsJSON),
	})
}

// refreshFollowed re-buckets the Followed index for every follower of the
// viewpoint after an update_seq change.
func refreshFollowed(ctx context.Context, oc *OpContext, viewpointID string, oldTimestamp int64) error {
	followerIDs, err := model.ListFollowers(ctx, oc.Client, viewpointID)
	if err != nil {
		return err
	}
	for _, followerID := range followerIDs {
		if err := model.UpdateFollowed(ctx, oc.Client, followerID, viewpointID, oldTimestamp, oc.Op.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

// photoSizes sums the stored sizes of the named photos.
func photoSizes(ctx context.Context, oc *OpContext, photoIDs []string) (int64, error) {
	photos, err := model.BatchGetPhotos(ctx, oc.Client, photoIDs)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range photos {
		if p != nil {
			total += p.SizeBytes
		}
	}
	return total, nil
}

// notifySelf notifies only the acting user's own devices; used by
// private-library changes that no other user can observe.
func notifySelf(ctx context.Context, oc *OpContext, name string, inv *notify.Invalidation) error {
	_, err := oc.Notify.CreateForUser(ctx, oc.OpInfo(), oc.Op.UserID, notify.Record{
		Name:       name,
		Invalidate: inv,
	})
	return err
}
