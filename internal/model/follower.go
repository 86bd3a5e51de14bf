package model

import (
	"context"
	"fmt"

	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// Follower labels. admin/contribute/personal grant rights; removed hides the
// viewpoint from the user; unrevivable means the removal is permanent
// (unshare).
const (
	LabelAdmin       = "admin"
	LabelContribute  = "contribute"
	LabelPersonal    = "personal"
	LabelRemoved     = "removed"
	LabelUnrevivable = "unrevivable"
)

// Follower is a user's relationship to a viewpoint.
type Follower struct {
	UserID       int64
	ViewpointID  string
	Labels       []string
	ViewedSeq    int64
	AddingUserID int64
	Timestamp    int64
}

// HasLabel reports whether the follower carries the label.
func (f *Follower) HasLabel(label string) bool {
	for _, l := range f.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsRemoved reports whether the viewpoint is removed for this follower.
func (f *Follower) IsRemoved() bool { return f.HasLabel(LabelRemoved) }

// IsAdmin reports admin rights on the viewpoint.
func (f *Follower) IsAdmin() bool { return f.HasLabel(LabelAdmin) && !f.IsRemoved() }

// CanContribute reports whether the follower may add content.
func (f *Follower) CanContribute() bool {
	return (f.HasLabel(LabelAdmin) || f.HasLabel(LabelContribute)) && !f.IsRemoved()
}

// CanView reports whether the follower may read viewpoint content.
func (f *Follower) CanView() bool { return !f.IsRemoved() }

// validateLabels enforces the label invariants: at least one right-granting
// label must be present unless removed is set.
func validateLabels(labels []string) error {
	var hasRight, hasRemoved bool
	for _, l := range labels {
		switch l {
		case LabelAdmin, LabelContribute, LabelPersonal:
			hasRight = true
		case LabelRemoved:
			hasRemoved = true
		case LabelUnrevivable:
		default:
			return fmt.Errorf("model: unknown follower label %q", l)
		}
	}
	if !hasRight && !hasRemoved {
		return fmt.Errorf("model: follower must carry a right-granting label unless removed")
	}
	return nil
}

// SetLabels computes the follower's new label set, enforcing that once
// removed is set no label may be taken away.
func (f *Follower) SetLabels(labels []string) error {
	if err := validateLabels(labels); err != nil {
		return vferrors.InvalidRequest(vferrors.IDBadRequest, "%v", err)
	}
	if f.IsRemoved() {
		next := make(map[string]bool, len(labels))
		for _, l := range labels {
			next[l] = true
		}
		for _, l := range f.Labels {
			if !next[l] {
				return vferrors.Permission(vferrors.IDBadRequest,
					"label %q cannot be removed from a removed follower", l)
			}
		}
	}
	f.Labels = labels
	return nil
}

func followerKey(userID int64, viewpointID string) store.Key {
	return store.Key{Hash: store.NumberKey(userID), Sort: store.StringKey(viewpointID)}
}

func followerFromItem(it store.Item) *Follower {
	return &Follower{
		UserID:       it.GetNumber("user_id"),
		ViewpointID:  it.GetString("viewpoint_id"),
		Labels:       it.GetStringSet("labels"),
		ViewedSeq:    it.GetNumber("viewed_seq"),
		AddingUserID: it.GetNumber("adding_user_id"),
		Timestamp:    it.GetNumber("timestamp"),
	}
}

// GetFollower loads one follower row or nil when absent.
func GetFollower(ctx context.Context, client store.Client, userID int64, viewpointID string) (*Follower, error) {
	it, err := client.GetItem(ctx, store.TableFollower, followerKey(userID, viewpointID))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return followerFromItem(it), nil
}

// PutFollower writes the full follower row plus the reverse-index row that
// lets viewpoint-scoped operations enumerate followers. Label invariants are
// enforced.
func PutFollower(ctx context.Context, client store.Client, f *Follower) error {
	if err := validateLabels(f.Labels); err != nil {
		return err
	}
	attrs := store.Item{
		"labels":     store.StringSet(f.Labels...),
		"viewed_seq": store.Number(f.ViewedSeq),
		"timestamp":  store.Number(f.Timestamp),
	}
	if f.AddingUserID != 0 {
		attrs["adding_user_id"] = store.Number(f.AddingUserID)
	}
	if err := client.PutItem(ctx, store.TableFollower, followerKey(f.UserID, f.ViewpointID), attrs, nil); err != nil {
		return err
	}
	reverseKey := store.Key{Hash: store.StringKey(f.ViewpointID), Sort: store.NumberKey(f.UserID)}
	return client.PutItem(ctx, store.TableViewpointFollower, reverseKey, store.Item{}, nil)
}

// AdvanceViewedSeq ratchets viewed_seq forward, clamped to the viewpoint's
// update_seq; viewed_seq never regresses and never exceeds update_seq.
func AdvanceViewedSeq(ctx context.Context, client store.Client, userID int64, viewpointID string, viewedSeq int64) error {
	vp, err := GetViewpoint(ctx, client, viewpointID)
	if err != nil {
		return err
	}
	if viewedSeq > vp.UpdateSeq {
		viewedSeq = vp.UpdateSeq
	}
	f, err := GetFollower(ctx, client, userID, viewpointID)
	if err != nil {
		return err
	}
	if f == nil {
		return vferrors.NotFound(vferrors.IDNoAccess, "user %d does not follow %s", userID, viewpointID)
	}
	if viewedSeq <= f.ViewedSeq {
		return nil
	}
	_, err = client.UpdateItem(ctx, store.TableFollower, followerKey(userID, viewpointID),
		map[string]store.Update{"viewed_seq": store.Put(store.Number(viewedSeq))}, nil)
	return err
}

// ListFollowers returns the user ids of every follower of a viewpoint,
// including removed ones, via the reverse-index table.
func ListFollowers(ctx context.Context, client store.Client, viewpointID string) ([]int64, error) {
	res, err := client.Query(ctx, store.TableViewpointFollower, store.StringKey(viewpointID), nil, store.QueryOptions{})
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, it := range res.Items {
		out = append(out, it.GetNumber("user_id"))
	}
	return out, nil
}
