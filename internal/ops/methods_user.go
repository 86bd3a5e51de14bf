package ops

import (
	"context"
	"encoding/json"

	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/gateway"
	"github.com/viewfinderco/viewfinder/internal/model"
	"github.com/viewfinderco/viewfinder/internal/notify"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// ---------------------------------------------------------------- update_follower

type updateFollowerArgs struct {
	ViewpointID string   `json:"viewpoint_id"`
	ViewedSeq   int64    `json:"viewed_seq,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// updateFollower advances the caller's viewed_seq and/or adjusts their own
// follower labels on a viewpoint.
type updateFollower struct {
	noAccount
	args updateFollowerArgs
}

func newUpdateFollower(args json.RawMessage) (Handler, error) {
	h := &updateFollower{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "update_follower: %v", err)
	}
	return h, nil
}

func (h *updateFollower) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	return []string{h.args.ViewpointID}, nil
}

func (h *updateFollower) Check(ctx context.Context, oc *OpContext) error {
	f, err := model.GetFollower(ctx, oc.Client, oc.Op.UserID, h.args.ViewpointID)
	if err != nil {
		return err
	}
	if f == nil {
		return vferrors.Permission(vferrors.IDNoAccess,
			"user %d does not follow viewpoint %s", oc.Op.UserID, h.args.ViewpointID)
	}
	if h.args.Labels != nil {
		// Validate the transition without writing it.
		probe := *f
		if err := probe.SetLabels(h.args.Labels); err != nil {
			return err
		}
	}
	return nil
}

func (h *updateFollower) Update(ctx context.Context, oc *OpContext) error {
	if h.args.Labels != nil {
		f, err := model.GetFollower(ctx, oc.Client, oc.Op.UserID, h.args.ViewpointID)
		if err != nil {
			return err
		}
		if err := f.SetLabels(h.args.Labels); err != nil {
			return err
		}
		if err := model.PutFollower(ctx, oc.Client, f); err != nil {
			return err
		}
	}
	if h.args.ViewedSeq > 0 {
		if err := model.AdvanceViewedSeq(ctx, oc.Client, oc.Op.UserID, h.args.ViewpointID, h.args.ViewedSeq); err != nil {
			return err
		}
	}
	return nil
}

func (h *updateFollower) Notify(ctx context.Context, oc *OpContext) error {
	// Viewing an activity does not decrement past badges; other devices
	// just refetch the follower state.
	f, err := model.GetFollower(ctx, oc.Client, oc.Op.UserID, h.args.ViewpointID)
	if err != nil {
		return err
	}
	_, err = oc.Notify.CreateForUser(ctx, oc.OpInfo(), oc.Op.UserID, notify.Record{
		Name:        "update_follower",
		ViewpointID: h.args.ViewpointID,
		ViewedSeq:   f.ViewedSeq,
		Invalidate: &notify.Invalidation{
			Viewpoints: []notify.ViewpointInvalidation{{
				ViewpointID:   h.args.ViewpointID,
				GetAttributes: true,
			}},
		},
	})
	return err
}

// ---------------------------------------------------------------- update_friend

type updateFriendArgs struct {
	FriendID int64  `json:"friend_id"`
	Nickname string `json:"nickname,omitempty"`
}

// updateFriend edits the caller's metadata about another user.
type updateFriend struct {
	noViewpointLocks
	noAccount
	args updateFriendArgs
}

func newUpdateFriend(args json.RawMessage) (Handler, error) {
	h := &updateFriend{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "update_friend: %v", err)
	}
	return h, nil
}

func (h *updateFriend) Check(ctx context.Context, oc *OpContext) error {
	_, err := model.GetUser(ctx, oc.Client, h.args.FriendID)
	return err
}

func (h *updateFriend) Update(ctx context.Context, oc *OpContext) error {
	return model.PutFriend(ctx, oc.Client, &model.Friend{
		UserID:   oc.Op.UserID,
		FriendID: h.args.FriendID,
		Nickname: h.args.Nickname,
	})
}

func (h *updateFriend) Notify(ctx context.Context, oc *OpContext) error {
	return notifySelf(ctx, oc, "update_friend", &notify.Invalidation{Users: []int64{h.args.FriendID}})
}

// ---------------------------------------------------------------- update_device

type updateDeviceArgs struct {
	DeviceID  int64  `json:"device_id"`
	PushToken string `json:"push_token,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Version   string `json:"version,omitempty"`
}

// updateDevice registers device metadata and claims its push token. A token
// may be claimed by at most one device; claiming steals it from any prior
// holder.
type updateDevice struct {
	noViewpointLocks
	noAccount
	args updateDeviceArgs
}

func newUpdateDevice(args json.RawMessage) (Handler, error) {
	h := &updateDevice{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "update_device: %v", err)
	}
	return h, nil
}

func (h *updateDevice) Check(ctx context.Context, oc *OpContext) error {
	if h.args.PushToken != "" {
		if _, err := gateway.ParsePushToken(h.args.PushToken); err != nil {
			return vferrors.InvalidRequest(vferrors.IDInvalidPushToken, "%v", err)
		}
	}
	return nil
}

func (h *updateDevice) Update(ctx context.Context, oc *OpContext) error {
	d, err := model.GetDevice(ctx, oc.Client, oc.Op.UserID, h.args.DeviceID)
	if err != nil {
		return err
	}
	if d == nil {
		d = &model.Device{UserID: oc.Op.UserID, DeviceID: h.args.DeviceID}
	}
	if h.args.Platform != "" {
		d.Platform = h.args.Platform
	}
	if h.args.Version != "" {
		d.Version = h.args.Version
	}
	d.LastAccess = oc.Op.Timestamp
	if err := model.PutDevice(ctx, oc.Client, d); err != nil {
		return err
	}
	if h.args.PushToken != "" {
		return model.ClaimPushToken(ctx, oc.Client, oc.Op.UserID, h.args.DeviceID, h.args.PushToken)
	}
	return nil
}

func (h *updateDevice) Notify(ctx context.Context, oc *OpContext) error {
	return nil
}

// ---------------------------------------------------------------- upload_contacts

type uploadContactsArgs struct {
	Contacts []struct {
		ContactID   string `json:"contact_id"`
		Name        string `json:"name,omitempty"`
		IdentityKey string `json:"identity,omitempty"`
	} `json:"contacts"`
}

// uploadContacts stores address-book entries and creates unlinked identities
// for addresses nobody has registered.
type uploadContacts struct {
	noViewpointLocks
	noAccount
	args uploadContactsArgs
}

func newUploadContacts(args json.RawMessage) (Handler, error) {
	h := &uploadContacts{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "upload_contacts: %v", err)
	}
	return h, nil
}

func (h *uploadContacts) Check(ctx context.Context, oc *OpContext) error {
	for _, c := range h.args.Contacts {
		if c.IdentityKey == "" {
			continue
		}
		if _, err := model.CanonicalizeIdentityKey(c.IdentityKey); err != nil {
			return err
		}
	}
	return nil
}

func (h *uploadContacts) Update(ctx context.Context, oc *OpContext) error {
	for _, c := range h.args.Contacts {
		contact := &model.Contact{
			UserID:    oc.Op.UserID,
			ContactID: c.ContactID,
			Name:      c.Name,
		}
		if c.IdentityKey != "" {
			canonical, err := model.CanonicalizeIdentityKey(c.IdentityKey)
			if err != nil {
				return err
			}
			contact.IdentityKey = canonical
			ident, err := model.GetIdentity(ctx, oc.Client, canonical)
			if err != nil {
				return err
			}
			if ident == nil {
				if err := model.PutIdentity(ctx, oc.Client, &model.Identity{Key: canonical}); err != nil {
					return err
				}
			}
		}
		if err := model.PutContact(ctx, oc.Client, contact); err != nil {
			return err
		}
	}
	return nil
}

func (h *uploadContacts) Notify(ctx context.Context, oc *OpContext) error {
	startKey := ""
	if len(h.args.Contacts) > 0 {
		startKey = h.args.Contacts[0].ContactID
	}
	return notifySelf(ctx, oc, "upload_contacts", &notify.Invalidation{
		Contacts: &notify.ContactsInvalidation{StartKey: startKey},
	})
}

// ---------------------------------------------------------------- link_identity

type linkIdentityArgs struct {
	Identity string `json:"identity"`
}

// linkIdentity attaches an identity to the caller's account.
type linkIdentity struct {
	noViewpointLocks
	noAccount
	args linkIdentityArgs
}

func newLinkIdentity(args json.RawMessage) (Handler, error) {
	h := &linkIdentity{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "link_identity: %v", err)
	}
	return h, nil
}

func (h *linkIdentity) Check(ctx context.Context, oc *OpContext) error {
	ident, err := model.GetIdentity(ctx, oc.Client, h.args.Identity)
	if err != nil {
		return err
	}
	if ident != nil && ident.UserID != 0 && ident.UserID != oc.Op.UserID {
		return vferrors.AlreadyExists(vferrors.IDAlreadyLinked,
			"identity %s is already linked to another account", h.args.Identity)
	}
	return nil
}

func (h *linkIdentity) Update(ctx context.Context, oc *OpContext) error {
	return model.LinkIdentity(ctx, oc.Client, h.args.Identity, oc.Op.UserID)
}

func (h *linkIdentity) Notify(ctx context.Context, oc *OpContext) error {
	return notifySelf(ctx, oc, "link_identity", &notify.Invalidation{Users: []int64{oc.Op.UserID}})
}

// ---------------------------------------------------------------- unlink_identity

type unlinkIdentityArgs struct {
	Identity string `json:"identity"`
}

// unlinkIdentity detaches an identity. The previously-linked user is
// notified so their other devices refresh.
type unlinkIdentity struct {
	noViewpointLocks
	noAccount
	args   unlinkIdentityArgs
	userID int64
}

func newUnlinkIdentity(args json.RawMessage) (Handler, error) {
	h := &unlinkIdentity{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "unlink_identity: %v", err)
	}
	return h, nil
}

func (h *unlinkIdentity) Check(ctx context.Context, oc *OpContext) error {
	ident, err := model.GetIdentity(ctx, oc.Client, h.args.Identity)
	if err != nil {
		return err
	}
	if ident == nil {
		return vferrors.NotFound(vferrors.IDIdentityNotFound, "identity %s does not exist", h.args.Identity)
	}
	if ident.UserID != oc.Op.UserID {
		return vferrors.Permission(vferrors.IDNoAccess,
			"identity %s is not linked to user %d", h.args.Identity, oc.Op.UserID)
	}
	h.userID = ident.UserID
	return nil
}

func (h *unlinkIdentity) Update(ctx context.Context, oc *OpContext) error {
	return model.UnlinkIdentity(ctx, oc.Client, h.args.Identity)
}

func (h *unlinkIdentity) Notify(ctx context.Context, oc *OpContext) error {
	_, err := oc.Notify.CreateForUser(ctx, oc.OpInfo(), h.userID, notify.Record{
		Name:       "unlink_identity",
		Invalidate: &notify.Invalidation{Users: []int64{h.userID}},
	})
	return err
}

// ---------------------------------------------------------------- terminate_account

type terminateCheckpoint struct {
	ViewpointIDs []string `json:"viewpoint_ids"`
}

// terminateAccount tombstones the caller: identities unlink, devices stop
// alerting, and every followed viewpoint is marked removed. The user row
// survives for referential integrity.
type terminateAccount struct {
	noAccount
	cp terminateCheckpoint
}

func newTerminateAccount(args json.RawMessage) (Handler, error) {
	return &terminateAccount{}, nil
}

func (h *terminateAccount) LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error) {
	// All follower viewpoints mutate, so all their locks are taken up
	// front, sorted, to avoid partial-progress deadlocks.
	found, err := oc.LoadCheckpoint(&h.cp)
	if err != nil {
		return nil, err
	}
	if !found {
		res, err := oc.Client.Query(ctx, store.TableFollower, store.NumberKey(oc.Op.UserID), nil, store.QueryOptions{})
		if err != nil {
			return nil, err
		}
		for _, it := range res.Items {
			h.cp.ViewpointIDs = append(h.cp.ViewpointIDs, it.GetString("viewpoint_id"))
		}
		if err := oc.SaveCheckpoint(ctx, &h.cp); err != nil {
			return nil, err
		}
	}
	return h.cp.ViewpointIDs, nil
}

func (h *terminateAccount) Check(ctx context.Context, oc *OpContext) error {
	user, err := loadActingUser(ctx, oc)
	if err != nil {
		return err
	}
	if user.Terminated {
		return nil // replay
	}
	return nil
}

func (h *terminateAccount) Update(ctx context.Context, oc *OpContext) error {
	if err := model.TerminateUser(ctx, oc.Client, oc.Op.UserID); err != nil {
		return err
	}
	// Identities unlink so the addresses can be reused.
	idents, err := identitiesOfUser(ctx, oc.Client, oc.Op.UserID)
	if err != nil {
		return err
	}
	for _, key := range idents {
		if err := model.UnlinkIdentity(ctx, oc.Client, key); err != nil {
			return err
		}
	}
	// Devices stop alerting.
	devices, err := model.ListDevices(ctx, oc.Client, oc.Op.UserID)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.PushToken != "" {
			if err := model.InvalidatePushToken(ctx, oc.Client, d.PushToken); err != nil {
				return err
			}
		}
	}
	// Leave every viewpoint.
	for _, vpID := range h.cp.ViewpointIDs {
		f, err := model.GetFollower(ctx, oc.Client, oc.Op.UserID, vpID)
		if err != nil {
			return err
		}
		if f == nil || f.IsRemoved() {
			continue
		}
		f.Labels = append(f.Labels, model.LabelRemoved, model.LabelUnrevivable)
		if err := model.PutFollower(ctx, oc.Client, f); err != nil {
			return err
		}
	}
	return nil
}

func (h *terminateAccount) Notify(ctx context.Context, oc *OpContext) error {
	// Followers of shared viewpoints see the departure.
	for _, vpID := range h.cp.ViewpointIDs {
		if err := oc.Notify.NotifyFollowers(ctx, oc.OpInfo(), vpID, notify.Record{
			Name:        "terminate_account",
			ViewpointID: vpID,
			Invalidate: &notify.Invalidation{
				Viewpoints: []notify.ViewpointInvalidation{{ViewpointID: vpID, GetFollowers: true}},
				Users:      []int64{oc.Op.UserID},
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// identitiesOfUser scans the identity table for keys linked to the user.
// Identity rows are few and the scan is bounded; a dedicated index is not
// worth its upkeep here.
func identitiesOfUser(ctx context.Context, client store.Client, userID int64) ([]string, error) {
	var out []string
	var start *store.Key
	for {
		res, err := client.Scan(ctx, store.TableIdentity, store.ScanOptions{Limit: 100, ExclusiveStart: start})
		if err != nil {
			return nil, err
		}
		for _, it := range res.Items {
			if it.GetNumber("linked_user_id") == userID {
				out = append(out, it.GetString("identity_key"))
			}
		}
		if res.LastEvaluated == nil {
			return out, nil
		}
		start = res.LastEvaluated
	}
}

// ---------------------------------------------------------------- merge_accounts

type mergeAccountsArgs struct {
	SourceUserID int64 `json:"source_user_id"`
}

// mergeAccounts folds the source account into the caller: identities
// re-link to the target and the source is terminated. Viewpoint content
// stays where it is; the source's follower rows keep working against the
// tombstoned account.
type mergeAccounts struct {
	noViewpointLocks
	noAccount
	args mergeAccountsArgs
}

func newMergeAccounts(args json.RawMessage) (Handler, error) {
	h := &mergeAccounts{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "merge_accounts: %v", err)
	}
	return h, nil
}

func (h *mergeAccounts) Check(ctx context.Context, oc *OpContext) error {
	if h.args.SourceUserID == oc.Op.UserID {
		return vferrors.InvalidRequest(vferrors.IDBadRequest, "cannot merge an account into itself")
	}
	if _, err := model.GetUser(ctx, oc.Client, h.args.SourceUserID); err != nil {
		return err
	}
	_, err := loadActingUser(ctx, oc)
	return err
}

func (h *mergeAccounts) Update(ctx context.Context, oc *OpContext) error {
	idents, err := identitiesOfUser(ctx, oc.Client, h.args.SourceUserID)
	if err != nil {
		return err
	}
	for _, key := range idents {
		if err := model.UnlinkIdentity(ctx, oc.Client, key); err != nil {
			return err
		}
		if err := model.LinkIdentity(ctx, oc.Client, key, oc.Op.UserID); err != nil {
			return err
		}
	}
	return model.TerminateUser(ctx, oc.Client, h.args.SourceUserID)
}

func (h *mergeAccounts) Notify(ctx context.Context, oc *OpContext) error {
	return notifySelf(ctx, oc, "merge_accounts", &notify.Invalidation{
		Users: []int64{oc.Op.UserID, h.args.SourceUserID},
	})
}

// ---------------------------------------------------------------- register_prospective_user

type registerProspectiveArgs struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

type registerProspectiveCheckpoint struct {
	UserID      int64  `json:"user_id"`
	WebappDevID int64  `json:"webapp_dev_id"`
	ViewpointID string `json:"viewpoint_id"`
}

// registerProspectiveUser creates a placeholder account for an identity
// nobody has registered: a user row, its default viewpoint, and the linked
// identity. It runs as a nested operation under the referencing user's
// queue. The allocated ids are checkpointed so replay converges.
type registerProspectiveUser struct {
	noViewpointLocks
	noAccount
	args registerProspectiveArgs
	cp   registerProspectiveCheckpoint
}

func newRegisterProspectiveUser(args json.RawMessage) (Handler, error) {
	h := &registerProspectiveUser{}
	if err := json.Unmarshal(args, &h.args); err != nil {
		return nil, vferrors.InvalidRequest(vferrors.IDBadRequest, "register_prospective_user: %v", err)
	}
	return h, nil
}

func (h *registerProspectiveUser) Check(ctx context.Context, oc *OpContext) error {
	ident, err := model.GetIdentity(ctx, oc.Client, h.args.Identity)
	if err != nil {
		return err
	}
	if ident != nil && ident.UserID != 0 {
		// Already registered; the op replays as a no-op.
		h.cp.UserID = ident.UserID
		return nil
	}
	found, err := oc.LoadCheckpoint(&h.cp)
	if err != nil {
		return err
	}
	if !found {
		userID, err := model.AllocateUserID(ctx, oc.Client)
		if err != nil {
			return err
		}
		devID, err := model.AllocateDeviceID(ctx, oc.Client)
		if err != nil {
			return err
		}
		h.cp.UserID = userID
		h.cp.WebappDevID = devID
		h.cp.ViewpointID = model.ConstructViewpointID(devID, 1)
		if err := oc.SaveCheckpoint(ctx, &h.cp); err != nil {
			return err
		}
	}
	return nil
}

func (h *registerProspectiveUser) Update(ctx context.Context, oc *OpContext) error {
	existing, err := model.GetIdentity(ctx, oc.Client, h.args.Identity)
	if err != nil {
		return err
	}
	if existing != nil && existing.UserID != 0 {
		return nil
	}
	user := &model.User{
		UserID:      h.cp.UserID,
		Name:        h.args.Name,
		PrivateVpID: h.cp.ViewpointID,
		WebappDevID: h.cp.WebappDevID,
	}
	canonical, err := model.CanonicalizeIdentityKey(h.args.Identity)
	if err != nil {
		return err
	}
	if len(canonical) > 6 && canonical[:6] == "Email:" {
		user.Email = canonical[6:]
	}
	if err := model.PutUser(ctx, oc.Client, user); err != nil {
		return err
	}
	if err := model.PutViewpoint(ctx, oc.Client, &model.Viewpoint{
		ViewpointID: h.cp.ViewpointID,
		Type:        model.ViewpointTypeDefault,
		UserID:      h.cp.UserID,
		LastUpdated: oc.Op.Timestamp,
	}); err != nil {
		return err
	}
	if err := model.PutFollower(ctx, oc.Client, &model.Follower{
		UserID:      h.cp.UserID,
		ViewpointID: h.cp.ViewpointID,
		Labels:      []string{model.LabelAdmin, model.LabelPersonal},
		Timestamp:   oc.Op.Timestamp,
	}); err != nil {
		return err
	}
	if ierr := model.PutIdentity(ctx, oc.Client, &model.Identity{Key: canonical, UserID: h.cp.UserID}); ierr != nil {
		return ierr
	}
	return nil
}

func (h *registerProspectiveUser) Notify(ctx context.Context, oc *OpContext) error {
	// The outer operation alerts the new user out of band; nothing to do.
	return nil
}
