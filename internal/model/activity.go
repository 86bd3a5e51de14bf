package model

import (
	"context"

	"github.com/viewfinderco/viewfinder/internal/idcodec"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// Activity is a timestamped event on a viewpoint: a share, an added
// follower, a comment. The Args blob is the JSON payload clients render.
type Activity struct {
	ViewpointID string
	ActivityID  string
	UserID      int64
	Timestamp   int64
	UpdateSeq   int64
	Name        string
	Args        string
}

// ConstructActivityID builds an activity id. Activities sort newest first.
func ConstructActivityID(timestamp int64, deviceID, localID int64) string {
	return idcodec.ConstructTimestampAssetID(idcodec.PrefixActivity,
		uint64(timestamp), uint64(deviceID), idcodec.Uniquifier{LocalID: uint64(localID)}, true)
}

func activityKey(viewpointID, activityID string) store.Key {
	return store.Key{Hash: store.StringKey(viewpointID), Sort: store.StringKey(activityID)}
}

// PutActivity writes the full activity row. Replaying an operation rewrites
// the identical row, so no precondition is needed.
func PutActivity(ctx context.Context, client store.Client, a *Activity) error {
	attrs := store.Item{
		"user_id":    store.Number(a.UserID),
		"timestamp":  store.Number(a.Timestamp),
		"update_seq": store.Number(a.UpdateSeq),
		"name":       store.String(a.Name),
		"args":       store.String(a.Args),
	}
	return client.PutItem(ctx, store.TableActivity, activityKey(a.ViewpointID, a.ActivityID), attrs, nil)
}

// GetActivity loads one activity or nil when absent.
func GetActivity(ctx context.Context, client store.Client, viewpointID, activityID string) (*Activity, error) {
	it, err := client.GetItem(ctx, store.TableActivity, activityKey(viewpointID, activityID))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Activity{
		ViewpointID: it.GetString("viewpoint_id"),
		ActivityID:  it.GetString("activity_id"),
		UserID:      it.GetNumber("user_id"),
		Timestamp:   it.GetNumber("timestamp"),
		UpdateSeq:   it.GetNumber("update_seq"),
		Name:        it.GetString("name"),
		Args:        it.GetString("args"),
	}, nil
}

// ListActivities returns a viewpoint's activities newest first.
func ListActivities(ctx context.Context, client store.Client, viewpointID string, limit int) ([]*Activity, error) {
	res, err := client.Query(ctx, store.TableActivity, store.StringKey(viewpointID), nil, store.QueryOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]*Activity, len(res.Items))
	for i, it := range res.Items {
		out[i] = &Activity{
			ViewpointID: it.GetString("viewpoint_id"),
			ActivityID:  it.GetString("activity_id"),
			UserID:      it.GetNumber("user_id"),
			Timestamp:   it.GetNumber("timestamp"),
			UpdateSeq:   it.GetNumber("update_seq"),
			Name:        it.GetString("name"),
			Args:        it.GetString("args"),
		}
	}
	return out, nil
}
