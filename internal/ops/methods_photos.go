package ops

import (
	"context"
	"encoding/json"

	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/model"
	"github.com/viewfinderco/viewfinder/internal/notify"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// ---------------------------------------------------------------- upload_episode

type uploadEpisodeArgs struct {
	Episode struct {
		EpisodeID string `json:"episode_id"`
		Timestamp int64  `json:"timestamp"`
		Title     string `json:"title,omitempty"`
	} `json:"episode"`
	Photos []struct {
		PhotoID     string `json:"photo_id"`
		Timestamp   int64  `json:"timestamp"`
		SizeBytes   int64  `json:"size_bytes"`
		AspectRatio string `json:"aspect_ratio,omitempty"`
	} `json:"photos"`
}

// uploadEpisode creates an episode with its photos and posts in the caller's
// private viewpoint.
type uploadEpisode struct {
	args uploadEpisodeArgs
	user *model.User
}

func newUploadEpisode(args json.RawMessage) (Handler, error) {
	h := &uploadEpisode{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "upload_episode: %v", err)
	}
	return h, nil
}

func (h *uploadEpisode) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	user, err := loadActingUser(ctx, oc)
	if err != nil {
		return nil, err
	}
	h.user = user
	return []string{user.PrivateVpID}, nil
}

func (h *uploadEpisode) Check(ctx context.Context, oc *OpContext) error {
	existing, err := model.GetEpisode(ctx, oc.Client, h.args.Episode.EpisodeID)
	if err == nil && existing.UserID != oc.Op.UserID {
		return vferrors.Permission(vferrors.IDNoAccess,
			"episode %s belongs to another user", h.args.Episode.EpisodeID)
	}
	if err != nil && !vferrors.IsKind(err, vferrors.KindNotFound) {
		return err
	}
	return nil
}

func (h *uploadEpisode) Update(ctx context.Context, oc *OpContext) error {
	ep := &model.Episode{
		EpisodeID:   h.args.Episode.EpisodeID,
		UserID:      oc.Op.UserID,
		ViewpointID: h.user.PrivateVpID,
		Timestamp:   h.args.Episode.Timestamp,
		Title:       h.args.Episode.Title,
	}
	if ep.Timestamp == 0 {
		ep.Timestamp = oc.Op.Timestamp
	}
	if err := model.PutEpisode(ctx, oc.Client, ep); err != nil {
		return err
	}
	for _, p := range h.args.Photos {
		photo := &model.Photo{
			PhotoID:     p.PhotoID,
			UserID:      oc.Op.UserID,
			EpisodeID:   ep.EpisodeID,
			Timestamp:   p.Timestamp,
			AspectRatio: p.AspectRatio,
			SizeBytes:   p.SizeBytes,
		}
		if err := model.PutPhoto(ctx, oc.Client, photo); err != nil {
			return err
		}
		if err := model.PutPost(ctx, oc.Client, &model.Post{EpisodeID: ep.EpisodeID, PhotoID: p.PhotoID}); err != nil {
			return err
		}
	}
	return nil
}

func (h *uploadEpisode) Account(ctx context.Context, oc *OpContext) error {
	var size int64
	for _, p := range h.args.Photos {
		size += p.SizeBytes
	}
	accum := model.NewAccumulator()
	accum.UploadPhotos(oc.Op.UserID, size, int64(len(h.args.Photos)))
	return accum.Apply(ctx, oc.Client, oc.Op.OperationID)
}

func (h *uploadEpisode) Notify(ctx context.Context, oc *OpContext) error {
	return notifySelf(ctx, oc, "upload_episode", &notify.Invalidation{
		Episodes: []notify.EpisodeInvalidation{{EpisodeID: h.args.Episode.EpisodeID}},
	})
}

// ---------------------------------------------------------------- hide_photos

type hidePhotosArgs struct {
	Episodes []episodePhotos `json:"episodes"`
}

// hidePhotos adds the hidden label to the caller's user-post rows; the posts
// stay visible to everyone else.
type hidePhotos struct {
	noViewpointLocks
	noAccount
	args hidePhotosArgs
}

func newHidePhotos(args json.RawMessage) (Handler, error) {
	h := &hidePhotos{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "hide_photos: %v", err)
	}
	return h, nil
}

func (h *hidePhotos) Check(ctx context.Context, oc *OpContext) error {
	_, _, err := checkEpisodePostAccess(ctx, oc, h.args.Episodes)
	return err
}

func (h *hidePhotos) Update(ctx context.Context, oc *OpContext) error {
	for _, ep := range h.args.Episodes {
		for _, photoID := range ep.PhotoIDs {
			postID := model.ConstructPostID(ep.EpisodeID, photoID)
			up, err := model.GetUserPost(ctx, oc.Client, oc.Op.UserID, postID)
			if err != nil {
				return err
			}
			if up == nil {
				up = &model.UserPost{UserID: oc.Op.UserID, PostID: postID, Timestamp: oc.Op.Timestamp}
			}
			if !up.IsHidden() {
				up.Labels = append(up.Labels, model.UserPostLabelHidden)
			}
			if err := model.PutUserPost(ctx, oc.Client, up); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *hidePhotos) Notify(ctx context.Context, oc *OpContext) error {
	inv := &notify.Invalidation{}
	for _, ep := range h.args.Episodes {
		inv.Episodes = append(inv.Episodes, notify.EpisodeInvalidation{EpisodeID: ep.EpisodeID})
	}
	return notifySelf(ctx, oc, "hide_photos", inv)
}

// ---------------------------------------------------------------- remove_photos

type removePhotosArgs struct {
	Episodes []episodePhotos `json:"episodes"`
}

type removePhotosCheckpoint struct {
	Remove []string `json:"remove"` // post ids
}

// removePhotos removes photos from the caller's personal library. Photos can
// only be removed from the caller's own private viewpoint.
type removePhotos struct {
	args     removePhotosArgs
	user     *model.User
	episodes []*model.Episode
	posts    [][]*model.Post
	remove   map[string]bool
}

func newRemovePhotos(args json.RawMessage) (Handler, error) {
	h := &removePhotos{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "remove_photos: %v", err)
	}
	return h, nil
}

func (h *removePhotos) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	user, err := loadActingUser(ctx, oc)
	if err != nil {
		return nil, err
	}
	h.user = user
	return []string{user.PrivateVpID}, nil
}

func (h *removePhotos) Check(ctx context.Context, oc *OpContext) error {
	eps, posts, err := checkEpisodePostAccess(ctx, oc, h.args.Episodes)
	if err != nil {
		return err
	}
	h.episodes, h.posts = eps, posts

	for _, ep := range eps {
		if ep.ViewpointID != h.user.PrivateVpID {
			return vferrors.Permission(vferrors.IDInvalidRemovePhotosViewpoint,
				"cannot remove photos from viewpoint %q; photos can only be removed from your own personal viewpoint",
				ep.ViewpointID)
		}
	}

	// The post ids to remove change during UPDATE, so they are checkpointed:
	// a retry after UPDATE must notify about the same set.
	var cp removePhotosCheckpoint
	found, err := oc.LoadCheckpoint(&cp)
	if err != nil {
		return err
	}
	if !found {
		for i, ep := range eps {
			for _, post := range posts[i] {
				if !post.IsRemoved() {
					cp.Remove = append(cp.Remove, model.ConstructPostID(ep.EpisodeID, post.PhotoID))
				}
			}
		}
		if err := oc.SaveCheckpoint(ctx, &cp); err != nil {
			return err
		}
	}
	h.remove = make(map[string]bool, len(cp.Remove))
	for _, id := range cp.Remove {
		h.remove[id] = true
	}
	return nil
}

func (h *removePhotos) Update(ctx context.Context, oc *OpContext) error {
	for i, ep := range h.episodes {
		for _, post := range h.posts[i] {
			if !h.remove[model.ConstructPostID(ep.EpisodeID, post.PhotoID)] {
				continue
			}
			if err := model.AddPostLabel(ctx, oc.Client, ep.EpisodeID, post.PhotoID, model.PostLabelRemoved); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *removePhotos) Account(ctx context.Context, oc *OpContext) error {
	var photoIDs []string
	for postID := range h.remove {
		_, photoID, err := model.DeconstructPostID(postID)
		if err != nil {
			return err
		}
		photoIDs = append(photoIDs, photoID)
	}
	size, err := photoSizes(ctx, oc, photoIDs)
	if err != nil {
		return err
	}
	accum := model.NewAccumulator()
	accum.RemovePhotos(oc.Op.UserID, h.user.PrivateVpID, size, int64(len(photoIDs)))
	return accum.Apply(ctx, oc.Client, oc.Op.OperationID)
}

func (h *removePhotos) Notify(ctx context.Context, oc *OpContext) error {
	inv := &notify.Invalidation{}
	for _, ep := range h.args.Episodes {
		inv.Episodes = append(inv.Episodes, notify.EpisodeInvalidation{EpisodeID: ep.EpisodeID})
	}
	return notifySelf(ctx, oc, "remove_photos", inv)
}

// ---------------------------------------------------------------- unshare

type unshareArgs struct {
	ViewpointID string          `json:"viewpoint_id"`
	Episodes    []episodePhotos `json:"episodes"`
	Activity    activityArgs    `json:"activity"`
}

type unshareCheckpoint struct {
	Unshare   []string `json:"unshare"` // post ids
	UpdateSeq int64    `json:"update_seq"`
}

// unshare retracts previously-shared photos from a viewpoint: posts get the
// unshared and removed labels and accounting reverses the share.
type unshare struct {
	args     unshareArgs
	episodes []*model.Episode
	posts    [][]*model.Post
	cp       unshareCheckpoint
	unshared map[string]bool
}

func newUnshare(args json.RawMessage) (Handler, error) {
	h := &unshare{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "unshare: %v", err)
	}
	return h, nil
}

func (h *unshare) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	return []string{h.args.ViewpointID}, nil
}

func (h *unshare) Check(ctx context.Context, oc *OpContext) error {
	if _, err := model.GetViewpoint(ctx, oc.Client, h.args.ViewpointID); err != nil {
		return err
	}
	eps, posts, err := checkEpisodePostAccess(ctx, oc, h.args.Episodes)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		if ep.ViewpointID != h.args.ViewpointID {
			return vferrors.Permission(vferrors.IDNoAccess,
				"episode %s is not in viewpoint %s", ep.EpisodeID, h.args.ViewpointID)
		}
	}
	h.episodes, h.posts = eps, posts

	found, err := oc.LoadCheckpoint(&h.cp)
	if err != nil {
		return err
	}
	if !found {
		for i, ep := range eps {
			for _, post := range posts[i] {
				if !post.IsUnshared() {
					h.cp.Unshare = append(h.cp.Unshare, model.ConstructPostID(ep.EpisodeID, post.PhotoID))
				}
			}
		}
		vp, err := model.GetViewpoint(ctx, oc.Client, h.args.ViewpointID)
		if err != nil {
			return err
		}
		h.cp.UpdateSeq = vp.UpdateSeq + 1
		if err := oc.SaveCheckpoint(ctx, &h.cp); err != nil {
			return err
		}
	}
	h.unshared = make(map[string]bool, len(h.cp.Unshare))
	for _, id := range h.cp.Unshare {
		h.unshared[id] = true
	}
	return nil
}

func (h *unshare) Update(ctx context.Context, oc *OpContext) error {
	for i, ep := range h.episodes {
		for _, post := range h.posts[i] {
			if !h.unshared[model.ConstructPostID(ep.EpisodeID, post.PhotoID)] {
				continue
			}
			for _, label := range []string{model.PostLabelUnshared, model.PostLabelRemoved} {
				if err := model.AddPostLabel(ctx, oc.Client, ep.EpisodeID, post.PhotoID, label); err != nil {
					return err
				}
			}
		}
	}
	vp, err := model.GetViewpoint(ctx, oc.Client, h.args.ViewpointID)
	if err != nil {
		return err
	}
	if vp.UpdateSeq < h.cp.UpdateSeq {
		if _, err := model.BumpUpdateSeq(ctx, oc.Client, h.args.ViewpointID, oc.Op.Timestamp); err != nil {
			return err
		}
	}
	if err := writeActivity(ctx, oc, h.args.ViewpointID, h.args.Activity.ActivityID,
		"unshare", h.args, h.cp.UpdateSeq); err != nil {
		return err
	}
	return refreshFollowed(ctx, oc, h.args.ViewpointID, vp.LastUpdated)
}

func (h *unshare) Account(ctx context.Context, oc *OpContext) error {
	var photoIDs []string
	for postID := range h.unshared {
		_, photoID, err := model.DeconstructPostID(postID)
		if err != nil {
			return err
		}
		photoIDs = append(photoIDs, photoID)
	}
	size, err := photoSizes(ctx, oc, photoIDs)
	if err != nil {
		return err
	}
	accum := model.NewAccumulator()
	accum.UnsharePhotos(oc.Op.UserID, h.args.ViewpointID, size, int64(len(photoIDs)))
	return accum.Apply(ctx, oc.Client, oc.Op.OperationID)
}

func (h *unshare) Notify(ctx context.Context, oc *OpContext) error {
	return oc.Notify.NotifyFollowers(ctx, oc.OpInfo(), h.args.ViewpointID, notify.Record{
		Name:        "unshare",
		ViewpointID: h.args.ViewpointID,
		ActivityID:  h.args.Activity.ActivityID,
		UpdateSeq:   h.cp.UpdateSeq,
		Invalidate: &notify.Invalidation{
			Viewpoints: []notify.ViewpointInvalidation{{
				ViewpointID:   h.args.ViewpointID,
				GetActivities: true,
				GetEpisodes:   true,
			}},
		},
	})
}

// ---------------------------------------------------------------- update_photo

type updatePhotoArgs struct {
	PhotoID     string `json:"photo_id"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// updatePhoto edits photo metadata owned by the caller.
type updatePhoto struct {
	noViewpointLocks
	noAccount
	args updatePhotoArgs
}

func newUpdatePhoto(args json.RawMessage) (Handler, error) {
	h := &updatePhoto{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "update_photo: %v", err)
	}
	return h, nil
}

func (h *updatePhoto) Check(ctx context.Context, oc *OpContext) error {
	photo, err := model.GetPhoto(ctx, oc.Client, h.args.PhotoID)
	if err != nil {
		return err
	}
	if photo.UserID != oc.Op.UserID {
		return vferrors.Permission(vferrors.IDNoAccess, "user %d does not own photo %s", oc.Op.UserID, h.args.PhotoID)
	}
	return nil
}

func (h *updatePhoto) Update(ctx context.Context, oc *OpContext) error {
	updates := map[string]store.Update{}
	if h.args.AspectRatio != "" {
		updates["aspect_ratio"] = store.Put(store.String(h.args.AspectRatio))
	}
	if h.args.Caption != "" {
		updates["caption"] = store.Put(store.String(h.args.Caption))
	}
	if len(updates) == 0 {
		return nil
	}
	return model.UpdatePhotoAttrs(ctx, oc.Client, h.args.PhotoID, updates)
}

func (h *updatePhoto) Notify(ctx context.Context, oc *OpContext) error {
	return notifySelf(ctx, oc, "update_photo", nil)
}

// ---------------------------------------------------------------- update_user_photo

type updateUserPhotoArgs struct {
	PhotoID   string   `json:"photo_id"`
	AssetKeys []string `json:"asset_keys,omitempty"`
}

// updateUserPhoto records the caller's device-local asset keys for a photo.
type updateUserPhoto struct {
	noViewpointLocks
	noAccount
	args updateUserPhotoArgs
}

func newUpdateUserPhoto(args json.RawMessage) (Handler, error) {
	h := &updateUserPhoto{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "update_user_photo: %v", err)
	}
	return h, nil
}

func (h *updateUserPhoto) Check(ctx context.Context, oc *OpContext) error {
	_, err := model.GetPhoto(ctx, oc.Client, h.args.PhotoID)
	return err
}

func (h *updateUserPhoto) Update(ctx context.Context, oc *OpContext) error {
	key := store.Key{Hash: store.NumberKey(oc.Op.UserID), Sort: store.StringKey(h.args.PhotoID)}
	attrs := store.Item{"timestamp": store.Number(oc.Op.Timestamp)}
	if len(h.args.AssetKeys) > 0 {
		attrs["asset_keys"] = store.StringSet(h.args.AssetKeys...)
	}
	return oc.Client.PutItem(ctx, store.TableUserPost, key, attrs, nil)
}

func (h *updateUserPhoto) Notify(ctx context.Context, oc *OpContext) error {
	return notifySelf(ctx, oc, "update_user_photo", nil)
}
