package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/gateway"
	"github.com/viewfinderco/viewfinder/internal/model"
	"github.com/viewfinderco/viewfinder/internal/notify"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// shareEpisodeArgs names the source episode, the id of the child episode to
// create in the target viewpoint, and the photos to carry over.
type shareEpisodeArgs struct {
	ExistingEpisodeID string   `json:"existing_episode_id"`
	NewEpisodeID      string   `json:"new_episode_id"`
	PhotoIDs          []string `json:"photo_ids"`
}

// resolveCheckpoint is the shared checkpoint shape for operations that
// resolve contacts into followers, possibly via nested prospective-user
// registration. Prospective maps identity key to the allocated user id (zero
// until the nested op completes).
type resolveCheckpoint struct {
	Done        bool             `json:"done"`
	FollowerIDs []int64          `json:"follower_ids,omitempty"`
	Prospective map[string]int64 `json:"prospective,omitempty"`
}

// resolveContacts turns contact args into follower user ids. Unknown
// identities stop the operation to run a nested register_prospective_user;
// the checkpoint records which identities were prospective so that replay
// and NOTIFY are deterministic. save persists the caller's full checkpoint
// (of which cp may be an embedded part).
func resolveContacts(ctx context.Context, oc *OpContext, contacts []contactArg, cp *resolveCheckpoint, save func() error) error {
	if cp.Done {
		return nil
	}
	if cp.Prospective == nil {
		cp.Prospective = make(map[string]int64)
	}
	var ids []int64
	for _, c := range contacts {
		switch {
		case c.UserID != 0:
			if _, err := model.GetUser(ctx, oc.Client, c.UserID); err != nil {
				return err
			}
			ids = append(ids, c.UserID)
		case c.Identity != "":
			canonical, err := model.CanonicalizeIdentityKey(c.Identity)
			if err != nil {
				return err
			}
			ident, err := model.GetIdentity(ctx, oc.Client, canonical)
			if err != nil {
				return err
			}
			if ident == nil || ident.UserID == 0 {
				// Record the prospective identity, then stop to register it.
				cp.Prospective[canonical] = 0
				if err := save(); err != nil {
					return err
				}
				nestedArgs, _ := json.Marshal(map[string]string{"identity": canonical})
				return &StopOperationError{Nested: NestedSpec{
					Method: "register_prospective_user",
					Args:   nestedArgs,
				}}
			}
			if _, recorded := cp.Prospective[canonical]; recorded {
				cp.Prospective[canonical] = ident.UserID
			}
			ids = append(ids, ident.UserID)
		default:
			return vferrors.InvalidRequest(vferrors.IDBadRequest, "contact carries neither user_id nor identity")
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cp.FollowerIDs = ids
	cp.Done = true
	return save()
}

// prospectiveEmails returns the email addresses of prospective followers for
// alerting; prospective users have no devices, so the share alert goes out
// of band.
func prospectiveEmails(cp *resolveCheckpoint) []string {
	var out []string
	for key := range cp.Prospective {
		if len(key) > 6 && key[:6] == "Email:" {
			out = append(out, key[6:])
		}
	}
	sort.Strings(out)
	return out
}

// addFollowerRows writes follower and followed rows for new followers.
func addFollowerRows(ctx context.Context, oc *OpContext, viewpointID string, followerIDs []int64, labels []string) error {
	for _, followerID := range followerIDs {
		existing, err := model.GetFollower(ctx, oc.Client, followerID, viewpointID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := model.PutFollower(ctx, oc.Client, &model.Follower{
			UserID:       followerID,
			ViewpointID:  viewpointID,
			Labels:       labels,
			AddingUserID: oc.Op.UserID,
			Timestamp:    oc.Op.Timestamp,
		}); err != nil {
			return err
		}
		if err := model.UpdateFollowed(ctx, oc.Client, followerID, viewpointID, 0, oc.Op.Timestamp); err != nil {
			return err
		}
		// Friend edges appear when users first share a viewpoint.
		if followerID != oc.Op.UserID {
			for _, pair := range [][2]int64{{oc.Op.UserID, followerID}, {followerID, oc.Op.UserID}} {
				f, err := model.GetFriend(ctx, oc.Client, pair[0], pair[1])
				if err != nil {
					return err
				}
				if f == nil {
					if err := model.PutFriend(ctx, oc.Client, &model.Friend{UserID: pair[0], FriendID: pair[1]}); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// createChildEpisodes copies shared photos into child episodes of the target
// viewpoint.
func createChildEpisodes(ctx context.Context, oc *OpContext, viewpointID string, episodes []shareEpisodeArgs) error {
	for _, ep := range episodes {
		source, err := model.GetEpisode(ctx, oc.Client, ep.ExistingEpisodeID)
		if err != nil {
			return err
		}
		child := &model.Episode{
			EpisodeID:   ep.NewEpisodeID,
			UserID:      oc.Op.UserID,
			ViewpointID: viewpointID,
			ParentEpID:  source.EpisodeID,
			Timestamp:   source.Timestamp,
			Title:       source.Title,
		}
		if err := model.PutEpisode(ctx, oc.Client, child); err != nil {
			return err
		}
		for _, photoID := range ep.PhotoIDs {
			if err := model.PutPost(ctx, oc.Client, &model.Post{EpisodeID: ep.NewEpisodeID, PhotoID: photoID}); err != nil {
				return err
			}
		}
	}
	return nil
}

func sharedPhotoStats(ctx context.Context, oc *OpContext, episodes []shareEpisodeArgs) (int64, int64, error) {
	var photoIDs []string
	for _, ep := range episodes {
		photoIDs = append(photoIDs, ep.PhotoIDs...)
	}
	size, err := photoSizes(ctx, oc, photoIDs)
	return size, int64(len(photoIDs)), err
}

// checkSourceEpisodes verifies the caller owns every source episode and its
// named photos are posted there.
func checkSourceEpisodes(ctx context.Context, oc *OpContext, episodes []shareEpisodeArgs) error {
	eps := make([]episodePhotos, len(episodes))
	for i, ep := range episodes {
		eps[i] = episodePhotos{EpisodeID: ep.ExistingEpisodeID, PhotoIDs: ep.PhotoIDs}
	}
	_, _, err := checkEpisodePostAccess(ctx, oc, eps)
	return err
}

// ---------------------------------------------------------------- share_new

type shareNewArgs struct {
	Viewpoint struct {
		ViewpointID string `json:"viewpoint_id"`
		Title       string `json:"title,omitempty"`
		Type        string `json:"type,omitempty"`
	} `json:"viewpoint"`
	Episodes []shareEpisodeArgs `json:"episodes"`
	Contacts []contactArg       `json:"contacts"`
	Activity activityArgs       `json:"activity"`
}

// shareNew creates a viewpoint, its followers (registering prospective users
// for unknown identities via a nested operation), child episodes, and the
// share activity. The viewpoint ends at update_seq 2: one for metadata, one
// for the share activity.
type shareNew struct {
	args shareNewArgs
	cp   resolveCheckpoint
}

const shareNewUpdateSeq = 2

func newShareNew(args json.RawMessage) (Handler, error) {
	h := &shareNew{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "share_new: %v", err)
	}
	return h, nil
}

func (h *shareNew) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	return []string{h.args.Viewpoint.ViewpointID}, nil
}

func (h *shareNew) Check(ctx context.Context, oc *OpContext) error {
	if _, err := loadActingUser(ctx, oc); err != nil {
		return err
	}
	if err := checkSourceEpisodes(ctx, oc, h.args.Episodes); err != nil {
		return err
	}
	// A pre-existing viewpoint is legal only as a replay of this operation.
	vp, err := model.GetViewpoint(ctx, oc.Client, h.args.Viewpoint.ViewpointID)
	if err == nil && vp.UserID != oc.Op.UserID {
		return vferrors.Permission(vferrors.IDNoAccess,
			"viewpoint %s already exists", h.args.Viewpoint.ViewpointID)
	}
	if err != nil && !vferrors.IsKind(err, vferrors.KindNotFound) {
		return err
	}
	if _, err := oc.LoadCheckpoint(&h.cp); err != nil {
		return err
	}
	return resolveContacts(ctx, oc, h.args.Contacts, &h.cp, func() error {
		return oc.SaveCheckpoint(ctx, &h.cp)
	})
}

func (h *shareNew) Update(ctx context.Context, oc *OpContext) error {
	vpID := h.args.Viewpoint.ViewpointID
	vp, err := model.GetViewpoint(ctx, oc.Client, vpID)
	if vferrors.IsKind(err, vferrors.KindNotFound) {
		vpType := h.args.Viewpoint.Type
		if vpType == "" {
			vpType = model.ViewpointTypeEvent
		}
		vp = &model.Viewpoint{
			ViewpointID: vpID,
			Type:        vpType,
			UserID:      oc.Op.UserID,
			Title:       h.args.Viewpoint.Title,
			UpdateSeq:   1, // metadata
			LastUpdated: oc.Op.Timestamp,
		}
		if err := model.PutViewpoint(ctx, oc.Client, vp); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	// Owner follows with full rights; contacts may contribute.
	if err := addFollowerRows(ctx, oc, vpID, []int64{oc.Op.UserID}, []string{model.LabelAdmin, model.LabelPersonal}); err != nil {
		return err
	}
	if err := addFollowerRows(ctx, oc, vpID, h.cp.FollowerIDs, []string{model.LabelContribute}); err != nil {
		return err
	}
	if err := createChildEpisodes(ctx, oc, vpID, h.args.Episodes); err != nil {
		return err
	}
	if vp.UpdateSeq < shareNewUpdateSeq {
		if _, err := model.BumpUpdateSeq(ctx, oc.Client, vpID, oc.Op.Timestamp); err != nil {
			return err
		}
	}
	if err := writeActivity(ctx, oc, vpID, h.args.Activity.ActivityID, "share_new", h.args, shareNewUpdateSeq); err != nil {
		return err
	}
	return refreshFollowed(ctx, oc, vpID, 0)
}

func (h *shareNew) Account(ctx context.Context, oc *OpContext) error {
	size, count, err := sharedPhotoStats(ctx, oc, h.args.Episodes)
	if err != nil {
		return err
	}
	accum := model.NewAccumulator()
	accum.SharePhotos(oc.Op.UserID, h.args.Viewpoint.ViewpointID, size, count)
	accum.AddConversation(oc.Op.UserID)
	for _, followerID := range h.cp.FollowerIDs {
		accum.AddConversation(followerID)
	}
	return accum.Apply(ctx, oc.Client, oc.Op.OperationID)
}

func (h *shareNew) Notify(ctx context.Context, oc *OpContext) error {
	vpID := h.args.Viewpoint.ViewpointID
	err := oc.Notify.NotifyFollowers(ctx, oc.OpInfo(), vpID, notify.Record{
		Name:        "share_new",
		ViewpointID: vpID,
		ActivityID:  h.args.Activity.ActivityID,
		UpdateSeq:   shareNewUpdateSeq,
		Alert:       "New photos shared with you",
		Invalidate: &notify.Invalidation{
			Viewpoints: []notify.ViewpointInvalidation{{
				ViewpointID:   vpID,
				GetAttributes: true,
				GetFollowers:  true,
				GetActivities: true,
				GetEpisodes:   true,
			}},
			Users: []int64{oc.Op.UserID},
		},
	})
	if err != nil {
		return err
	}
	// Prospective followers have no devices; alert them by email.
	if oc.Email != nil {
		for _, email := range prospectiveEmails(&h.cp) {
			if err := oc.Email.SendEmail(ctx, emailInvite(email)); err != nil {
				oc.Log.WithError(err).WithField("to", email).Warn("share invite email failed")
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------- share_existing

type shareExistingArgs struct {
	ViewpointID string             `json:"viewpoint_id"`
	Episodes    []shareEpisodeArgs `json:"episodes"`
	Activity    activityArgs       `json:"activity"`
}

type seqCheckpoint struct {
	UpdateSeq int64 `json:"update_seq"`
}

// shareExisting adds episodes to an existing viewpoint.
type shareExisting struct {
	args shareExistingArgs
	cp   seqCheckpoint
}

func newShareExisting(args json.RawMessage) (Handler, error) {
	h := &shareExisting{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "share_existing: %v", err)
	}
	return h, nil
}

func (h *shareExisting) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	return []string{h.args.ViewpointID}, nil
}

func (h *shareExisting) Check(ctx context.Context, oc *OpContext) error {
	if _, err := checkFollowerContribute(ctx, oc, h.args.ViewpointID); err != nil {
		return err
	}
	if err := checkSourceEpisodes(ctx, oc, h.args.Episodes); err != nil {
		return err
	}
	found, err := oc.LoadCheckpoint(&h.cp)
	if err != nil {
		return err
	}
	if !found {
		vp, err := model.GetViewpoint(ctx, oc.Client, h.args.ViewpointID)
		if err != nil {
			return err
		}
		h.cp.UpdateSeq = vp.UpdateSeq + 1
		return oc.SaveCheckpoint(ctx, &h.cp)
	}
	return nil
}

func (h *shareExisting) Update(ctx context.Context, oc *OpContext) error {
	if err := createChildEpisodes(ctx, oc, h.args.ViewpointID, h.args.Episodes); err != nil {
		return err
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
		"share_existing", h.args, h.cp.UpdateSeq); err != nil {
		return err
	}
	return refreshFollowed(ctx, oc, h.args.ViewpointID, vp.LastUpdated)
}

func (h *shareExisting) Account(ctx context.Context, oc *OpContext) error {
	size, count, err := sharedPhotoStats(ctx, oc, h.args.Episodes)
	if err != nil {
		return err
	}
	accum := model.NewAccumulator()
	accum.SharePhotos(oc.Op.UserID, h.args.ViewpointID, size, count)
	return accum.Apply(ctx, oc.Client, oc.Op.OperationID)
}

func (h *shareExisting) Notify(ctx context.Context, oc *OpContext) error {
	return oc.Notify.NotifyFollowers(ctx, oc.OpInfo(), h.args.ViewpointID, notify.Record{
		Name:        "share_existing",
		ViewpointID: h.args.ViewpointID,
		ActivityID:  h.args.Activity.ActivityID,
		UpdateSeq:   h.cp.UpdateSeq,
		Alert:       "New photos shared with you",
		Invalidate: &notify.Invalidation{
			Viewpoints: []notify.ViewpointInvalidation{{
				ViewpointID:   h.args.ViewpointID,
				GetActivities: true,
				GetEpisodes:   true,
			}},
		},
	})
}

// ---------------------------------------------------------------- add_followers

type addFollowersArgs struct {
	ViewpointID string       `json:"viewpoint_id"`
	Contacts    []contactArg `json:"contacts"`
	Activity    activityArgs `json:"activity"`
}

type addFollowersCheckpoint struct {
	resolveCheckpoint
	UpdateSeq int64 `json:"update_seq"`
}

// addFollowers invites more users onto an existing viewpoint.
type addFollowers struct {
	args addFollowersArgs
	cp   addFollowersCheckpoint
}

func newAddFollowers(args json.RawMessage) (Handler, error) {
	h := &addFollowers{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "add_followers: %v", err)
	}
	return h, nil
}

func (h *addFollowers) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	return []string{h.args.ViewpointID}, nil
}

func (h *addFollowers) Check(ctx context.Context, oc *OpContext) error {
	if _, err := checkFollowerContribute(ctx, oc, h.args.ViewpointID); err != nil {
		return err
	}
	if _, err := oc.LoadCheckpoint(&h.cp); err != nil {
		return err
	}
	if h.cp.UpdateSeq == 0 {
		vp, err := model.GetViewpoint(ctx, oc.Client, h.args.ViewpointID)
		if err != nil {
			return err
		}
		h.cp.UpdateSeq = vp.UpdateSeq + 1
	}
	return resolveContacts(ctx, oc, h.args.Contacts, &h.cp.resolveCheckpoint, func() error {
		return oc.SaveCheckpoint(ctx, &h.cp)
	})
}

func (h *addFollowers) Update(ctx context.Context, oc *OpContext) error {
	vp, err := model.GetViewpoint(ctx, oc.Client, h.args.ViewpointID)
	if err != nil {
		return err
	}
	if err := addFollowerRows(ctx, oc, h.args.ViewpointID, h.cp.FollowerIDs, []string{model.LabelContribute}); err != nil {
		return err
	}
	if vp.UpdateSeq < h.cp.UpdateSeq {
		if _, err := model.BumpUpdateSeq(ctx, oc.Client, h.args.ViewpointID, oc.Op.Timestamp); err != nil {
			return err
		}
	}
	if err := writeActivity(ctx, oc, h.args.ViewpointID, h.args.Activity.ActivityID,
		"add_followers", h.args, h.cp.UpdateSeq); err != nil {
		return err
	}
	return refreshFollowed(ctx, oc, h.args.ViewpointID, vp.LastUpdated)
}

func (h *addFollowers) Account(ctx context.Context, oc *OpContext) error {
	accum := model.NewAccumulator()
	for _, followerID := range h.cp.FollowerIDs {
		accum.AddConversation(followerID)
	}
	return accum.Apply(ctx, oc.Client, oc.Op.OperationID)
}

func (h *addFollowers) Notify(ctx context.Context, oc *OpContext) error {
	newSet := make(map[int64]bool, len(h.cp.FollowerIDs))
	for _, id := range h.cp.FollowerIDs {
		newSet[id] = true
	}
	followerIDs, err := model.ListFollowers(ctx, oc.Client, h.args.ViewpointID)
	if err != nil {
		return err
	}
	for _, followerID := range followerIDs {
		f, err := model.GetFollower(ctx, oc.Client, followerID, h.args.ViewpointID)
		if err != nil {
			return err
		}
		if f == nil || f.IsRemoved() {
			continue
		}
		rec := notify.Record{
			Name:        "add_followers",
			ViewpointID: h.args.ViewpointID,
			ActivityID:  h.args.Activity.ActivityID,
			UpdateSeq:   h.cp.UpdateSeq,
		}
		if newSet[followerID] {
			// Invited users refetch the whole conversation.
			rec.Alert = "You have been added to a conversation"
			rec.Invalidate = &notify.Invalidation{
				Viewpoints: []notify.ViewpointInvalidation{{
					ViewpointID:   h.args.ViewpointID,
					GetAttributes: true,
					GetFollowers:  true,
					GetActivities: true,
					GetEpisodes:   true,
				}},
				Users: []int64{oc.Op.UserID},
			}
		} else {
			rec.Invalidate = &notify.Invalidation{
				Viewpoints: []notify.ViewpointInvalidation{{
					ViewpointID:   h.args.ViewpointID,
					GetFollowers:  true,
					GetActivities: true,
				}},
			}
		}
		if followerID == oc.Op.UserID {
			rec.Alert = ""
		}
		if _, err := oc.Notify.CreateForUser(ctx, oc.OpInfo(), followerID, rec); err != nil {
			return err
		}
	}
	if oc.Email != nil {
		for _, email := range prospectiveEmails(&h.cp.resolveCheckpoint) {
			if err := oc.Email.SendEmail(ctx, emailInvite(email)); err != nil {
				oc.Log.WithError(err).WithField("to", email).Warn("invite email failed")
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------- remove_followers

type removeFollowersArgs struct {
	ViewpointID string       `json:"viewpoint_id"`
	RemoveIDs   []int64      `json:"remove_ids"`
	Activity    activityArgs `json:"activity"`
}

// removeFollowers takes followers off a viewpoint. Only admins may remove
// other users; anyone may remove themselves. Removal by another user is
// unrevivable.
type removeFollowers struct {
	noAccount
	args removeFollowersArgs
	cp   seqCheckpoint
}

func newRemoveFollowers(args json.RawMessage) (Handler, error) {
	h := &removeFollowers{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "remove_followers: %v", err)
	}
	return h, nil
}

func (h *removeFollowers) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	return []string{h.args.ViewpointID}, nil
}

func (h *removeFollowers) Check(ctx context.Context, oc *OpContext) error {
	vp, err := model.GetViewpoint(ctx, oc.Client, h.args.ViewpointID)
	if err != nil {
		return err
	}
	if vp.Type == model.ViewpointTypeDefault {
		return vferrors.Permission(vferrors.IDCannotRemoveDefaultFollower,
			"cannot remove followers from a default viewpoint")
	}
	actor, err := model.GetFollower(ctx, oc.Client, oc.Op.UserID, h.args.ViewpointID)
	if err != nil {
		return err
	}
	if actor == nil {
		return vferrors.Permission(vferrors.IDNoAccess,
			"user %d does not follow viewpoint %s", oc.Op.UserID, h.args.ViewpointID)
	}
	for _, removeID := range h.args.RemoveIDs {
		if removeID != oc.Op.UserID && !actor.IsAdmin() {
			return vferrors.Permission(vferrors.IDNotAdmin,
				"user %d is not an admin of viewpoint %s", oc.Op.UserID, h.args.ViewpointID)
		}
	}
	found, err := oc.LoadCheckpoint(&h.cp)
	if err != nil {
		return err
	}
	if !found {
		h.cp.UpdateSeq = vp.UpdateSeq + 1
		return oc.SaveCheckpoint(ctx, &h.cp)
	}
	return nil
}

func (h *removeFollowers) Update(ctx context.Context, oc *OpContext) error {
	vp, err := model.GetViewpoint(ctx, oc.Client, h.args.ViewpointID)
	if err != nil {
		return err
	}
	for _, removeID := range h.args.RemoveIDs {
		f, err := model.GetFollower(ctx, oc.Client, removeID, h.args.ViewpointID)
		if err != nil {
			return err
		}
		if f == nil || f.IsRemoved() {
			continue
		}
		labels := append(f.Labels, model.LabelRemoved)
		if removeID != oc.Op.UserID {
			labels = append(labels, model.LabelUnrevivable)
		}
		f.Labels = labels
		if err := model.PutFollower(ctx, oc.Client, f); err != nil {
			return err
		}
	}
	if vp.UpdateSeq < h.cp.UpdateSeq {
		if _, err := model.BumpUpdateSeq(ctx, oc.Client, h.args.ViewpointID, oc.Op.Timestamp); err != nil {
			return err
		}
	}
	if err := writeActivity(ctx, oc, h.args.ViewpointID, h.args.Activity.ActivityID,
		"remove_followers", h.args, h.cp.UpdateSeq); err != nil {
		return err
	}
	return refreshFollowed(ctx, oc, h.args.ViewpointID, vp.LastUpdated)
}

func (h *removeFollowers) Notify(ctx context.Context, oc *OpContext) error {
	// Removed users hear about it too, so their clients drop the viewpoint.
	for _, removeID := range h.args.RemoveIDs {
		if _, err := oc.Notify.CreateForUser(ctx, oc.OpInfo(), removeID, notify.Record{
			Name:        "remove_followers",
			ViewpointID: h.args.ViewpointID,
			Invalidate: &notify.Invalidation{
				Viewpoints: []notify.ViewpointInvalidation{{
					ViewpointID:   h.args.ViewpointID,
					GetAttributes: true,
				}},
			},
		}); err != nil {
			return err
		}
	}
	return oc.Notify.NotifyFollowers(ctx, oc.OpInfo(), h.args.ViewpointID, notify.Record{
		Name:        "remove_followers",
		ViewpointID: h.args.ViewpointID,
		ActivityID:  h.args.Activity.ActivityID,
		UpdateSeq:   h.cp.UpdateSeq,
		Invalidate: &notify.Invalidation{
			Viewpoints: []notify.ViewpointInvalidation{{
				ViewpointID:   h.args.ViewpointID,
				GetFollowers:  true,
				GetActivities: true,
			}},
		},
	})
}

// ---------------------------------------------------------------- remove_viewpoint

type removeViewpointArgs struct {
	ViewpointID string `json:"viewpoint_id"`
}

// removeViewpoint hides a conversation from the caller's inbox by marking
// their own follower removed. Content is untouched for everyone else.
type removeViewpoint struct {
	noAccount
	args removeViewpointArgs
}

func newRemoveViewpoint(args json.RawMessage) (Handler, error) {
	h := &removeViewpoint{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "remove_viewpoint: %v", err)
	}
	return h, nil
}

func (h *removeViewpoint) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	return []string{h.args.ViewpointID}, nil
}

func (h *removeViewpoint) Check(ctx context.Context, oc *OpContext) error {
	vp, err := model.GetViewpoint(ctx, oc.Client, h.args.ViewpointID)
	if err != nil {
		return err
	}
	if vp.Type == model.ViewpointTypeDefault {
		return vferrors.Permission(vferrors.IDNoAccess, "cannot remove your default viewpoint")
	}
	f, err := model.GetFollower(ctx, oc.Client, oc.Op.UserID, h.args.ViewpointID)
	if err != nil {
		return err
	}
	if f == nil {
		return vferrors.Permission(vferrors.IDNoAccess,
			"user %d does not follow viewpoint %s", oc.Op.UserID, h.args.ViewpointID)
	}
	return nil
}

func (h *removeViewpoint) Update(ctx context.Context, oc *OpContext) error {
	f, err := model.GetFollower(ctx, oc.Client, oc.Op.UserID, h.args.ViewpointID)
	if err != nil {
		return err
	}
	if f.IsRemoved() {
		return nil
	}
	f.Labels = append(f.Labels, model.LabelRemoved)
	return model.PutFollower(ctx, oc.Client, f)
}

func (h *removeViewpoint) Notify(ctx context.Context, oc *OpContext) error {
	return notifySelf(ctx, oc, "remove_viewpoint", &notify.Invalidation{
		Viewpoints: []notify.ViewpointInvalidation{{
			ViewpointID:   h.args.ViewpointID,
			GetAttributes: true,
		}},
	})
}

// ---------------------------------------------------------------- update_viewpoint

type updateViewpointArgs struct {
	ViewpointID  string `json:"viewpoint_id"`
	Title        string `json:"title,omitempty"`
	CoverPhotoID string `json:"cover_photo,omitempty"`
}

// updateViewpoint edits viewpoint metadata.
type updateViewpoint struct {
	noAccount
	args updateViewpointArgs
	cp   seqCheckpoint
}

func newUpdateViewpoint(args json.RawMessage) (Handler, error) {
	h := &updateViewpoint{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "update_viewpoint: %v", err)
	}
	return h, nil
}

func (h *updateViewpoint) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	return []string{h.args.ViewpointID}, nil
}

func (h *updateViewpoint) Check(ctx context.Context, oc *OpContext) error {
	vp, err := model.GetViewpoint(ctx, oc.Client, h.args.ViewpointID)
	if err != nil {
		return err
	}
	f, err := model.GetFollower(ctx, oc.Client, oc.Op.UserID, h.args.ViewpointID)
	if err != nil {
		return err
	}
	if f == nil || !f.IsAdmin() {
		return vferrors.Permission(vferrors.IDNotAdmin,
			"user %d is not an admin of viewpoint %s", oc.Op.UserID, h.args.ViewpointID)
	}
	found, err := oc.LoadCheckpoint(&h.cp)
	if err != nil {
		return err
	}
	if !found {
		h.cp.UpdateSeq = vp.UpdateSeq + 1
		return oc.SaveCheckpoint(ctx, &h.cp)
	}
	return nil
}

func (h *updateViewpoint) Update(ctx context.Context, oc *OpContext) error {
	updates := map[string]store.Update{}
	if h.args.Title != "" {
		updates["title"] = store.Put(store.String(h.args.Title))
	}
	if h.args.CoverPhotoID != "" {
		updates["cover_photo_id"] = store.Put(store.String(h.args.CoverPhotoID))
	}
	if len(updates) > 0 {
		if err := model.UpdateViewpointAttrs(ctx, oc.Client, h.args.ViewpointID, updates); err != nil {
			return err
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
	return refreshFollowed(ctx, oc, h.args.ViewpointID, vp.LastUpdated)
}

func (h *updateViewpoint) Notify(ctx context.Context, oc *OpContext) error {
	return oc.Notify.NotifyFollowers(ctx, oc.OpInfo(), h.args.ViewpointID, notify.Record{
		Name:        "update_viewpoint",
		ViewpointID: h.args.ViewpointID,
		UpdateSeq:   h.cp.UpdateSeq,
		Invalidate: &notify.Invalidation{
			Viewpoints: []notify.ViewpointInvalidation{{
				ViewpointID:   h.args.ViewpointID,
				GetAttributes: true,
			}},
		},
	})
}

// ---------------------------------------------------------------- post_comment

type postCommentArgs struct {
	ViewpointID string       `json:"viewpoint_id"`
	CommentID   string       `json:"comment_id"`
	AssetID     string       `json:"asset_id,omitempty"`
	Message     string       `json:"message"`
	Activity    activityArgs `json:"activity"`
}

// postComment adds a comment to a viewpoint.
type postComment struct {
	noAccount
	args postCommentArgs
	cp   seqCheckpoint
}

func newPostComment(args json.RawMessage) (Handler, error) {
	h := &postComment{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "post_comment: %v", err)
	}
	return h, nil
}

func (h *postComment) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	return []string{h.args.ViewpointID}, nil
}

func (h *postComment) Check(ctx context.Context, oc *OpContext) error {
	if _, err := checkFollowerContribute(ctx, oc, h.args.ViewpointID); err != nil {
		return err
	}
	found, err := oc.LoadCheckpoint(&h.cp)
	if err != nil {
		return err
	}
	if !found {
		vp, err := model.GetViewpoint(ctx, oc.Client, h.args.ViewpointID)
		if err != nil {
			return err
		}
		h.cp.UpdateSeq = vp.UpdateSeq + 1
		return oc.SaveCheckpoint(ctx, &h.cp)
	}
	return nil
}

func (h *postComment) Update(ctx context.Context, oc *OpContext) error {
	if err := model.PutComment(ctx, oc.Client, &model.Comment{
		ViewpointID: h.args.ViewpointID,
		CommentID:   h.args.CommentID,
		UserID:      oc.Op.UserID,
		AssetID:     h.args.AssetID,
		Timestamp:   oc.Op.Timestamp,
		Message:     h.args.Message,
	}); err != nil {
		return err
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
		"post_comment", h.args, h.cp.UpdateSeq); err != nil {
		return err
	}
	return refreshFollowed(ctx, oc, h.args.ViewpointID, vp.LastUpdated)
}

func (h *postComment) Notify(ctx context.Context, oc *OpContext) error {
	return oc.Notify.NotifyFollowers(ctx, oc.OpInfo(), h.args.ViewpointID, notify.Record{
		Name:        "post_comment",
		ViewpointID: h.args.ViewpointID,
		ActivityID:  h.args.Activity.ActivityID,
		UpdateSeq:   h.cp.UpdateSeq,
		Alert:       h.args.Message,
		Invalidate: &notify.Invalidation{
			Viewpoints: []notify.ViewpointInvalidation{{
				ViewpointID:   h.args.ViewpointID,
				GetActivities: true,
				GetComments:   true,
			}},
		},
	})
}

func emailInvite(address string) gateway.EmailMessage {
	return gateway.EmailMessage{
		To:      address,
		Subject: "Photos shared with you on Viewfinder",
		Text:    fmt.Sprintf("Photos were shared with %s on Viewfinder. Sign up to view them.", address),
	}
}
