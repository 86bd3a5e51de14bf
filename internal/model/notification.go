package model

import (
	"context"

	"github.com/viewfinderco/viewfinder/internal/store"
)

// Notification is a per-user, monotonically-ordered record describing
// changes the client should refetch. Invalidate carries the JSON-encoded
// invalidation payload.
type Notification struct {
	UserID         int64
	NotificationID int64
	Name           string
	OpID           string
	SenderID       int64
	SenderDeviceID int64
	Timestamp      int64
	Invalidate     string
	ViewpointID    string
	ActivityID     string
	UpdateSeq      int64
	ViewedSeq      int64
	Badge          int64
}

func notificationKey(userID, notificationID int64) store.Key {
	return store.Key{Hash: store.NumberKey(userID), Sort: store.NumberKey(notificationID)}
}

func notificationFromItem(it store.Item) *Notification {
	return &Notification{
		UserID:         it.GetNumber("user_id"),
		NotificationID: it.GetNumber("notification_id"),
		Name:           it.GetString("name"),
		OpID:           it.GetString("op_id"),
		SenderID:       it.GetNumber("sender_id"),
		SenderDeviceID: it.GetNumber("sender_device_id"),
		Timestamp:      it.GetNumber("timestamp"),
		Invalidate:     it.GetString("invalidate"),
		ViewpointID:    it.GetString("viewpoint_id"),
		ActivityID:     it.GetString("activity_id"),
		UpdateSeq:      it.GetNumber("update_seq"),
		ViewedSeq:      it.GetNumber("viewed_seq"),
		Badge:          it.GetNumber("badge"),
	}
}

// TryPutNotification conditionally writes the notification at its id,
// failing with ErrConditionalCheckFailed when another host already claimed
// the id. This is the race-resolution primitive for id allocation.
func TryPutNotification(ctx context.Context, client store.Client, n *Notification) error {
	attrs := store.Item{
		"name":             store.String(n.Name),
		"timestamp":        store.Number(n.Timestamp),
		"sender_id":        store.Number(n.SenderID),
		"sender_device_id": store.Number(n.SenderDeviceID),
		"badge":            store.Number(n.Badge),
	}
	if n.OpID != "" {
		attrs["op_id"] = store.String(n.OpID)
	}
	if n.Invalidate != "" {
		attrs["invalidate"] = store.String(n.Invalidate)
	}
	if n.ViewpointID != "" {
		attrs["viewpoint_id"] = store.String(n.ViewpointID)
	}
	if n.ActivityID != "" {
		attrs["activity_id"] = store.String(n.ActivityID)
	}
	if n.UpdateSeq != 0 {
		attrs["update_seq"] = store.Number(n.UpdateSeq)
	}
	if n.ViewedSeq != 0 {
		attrs["viewed_seq"] = store.Number(n.ViewedSeq)
	}
	return client.PutItem(ctx, store.TableNotification,
		notificationKey(n.UserID, n.NotificationID), attrs,
		map[string]store.Expected{"notification_id": store.ExpectAbsent()})
}

// LastNotification returns the user's most recent notification, or nil when
// the user has never been notified.
func LastNotification(ctx context.Context, client store.Client, userID int64) (*Notification, error) {
	res, err := client.Query(ctx, store.TableNotification, store.NumberKey(userID), nil,
		store.QueryOptions{Descending: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(res.Items) == 0 {
		return nil, nil
	}
	return notificationFromItem(res.Items[0]), nil
}

// ListNotifications returns notifications with id > startID, oldest first.
func ListNotifications(ctx context.Context, client store.Client, userID int64, startID int64, limit int) ([]*Notification, error) {
	var cond *store.RangeCondition
	if startID > 0 {
		cond = &store.RangeCondition{Op: store.RangeGT, Value: store.NumberKey(startID)}
	}
	res, err := client.Query(ctx, store.TableNotification, store.NumberKey(userID), cond,
		store.QueryOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]*Notification, len(res.Items))
	for i, it := range res.Items {
		out[i] = notificationFromItem(it)
	}
	return out, nil
}
