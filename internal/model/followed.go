package model

import (
	"context"

	"github.com/viewfinderco/viewfinder/internal/idcodec"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// The Followed relation is a secondary index over viewpoint last_updated,
// sorted newest first. Ordering is rough: viewpoints updated on the same UTC
// day group together with unspecified order inside the group, which keeps
// index maintenance cheap.

const secondsPerDay = 24 * 60 * 60

// Followed is one index row.
type Followed struct {
	UserID      int64
	SortKey     string
	ViewpointID string
	DateUpdated int64
}

// TruncateToDay truncates a timestamp to its UTC day boundary.
func TruncateToDay(timestamp int64) int64 {
	return (timestamp / secondsPerDay) * secondsPerDay
}

// FollowedSortKey concatenates the reversed day-truncated timestamp with the
// viewpoint id so newest days sort first.
func FollowedSortKey(viewpointID string, timestamp int64) string {
	day := TruncateToDay(timestamp)
	reversed := uint64(1<<40-1) - uint64(day)
	var b [5]byte
	for i := 4; i >= 0; i-- {
		b[i] = byte(reversed)
		reversed >>= 8
	}
	return idcodec.B64HexEncodeNoPad(b[:]) + viewpointID
}

func followedKey(userID int64, sortKey string) store.Key {
	return store.Key{Hash: store.NumberKey(userID), Sort: store.StringKey(sortKey)}
}

// UpdateFollowed inserts the index row for newTimestamp's day and deletes the
// row for oldTimestamp's day. The timestamp only ratchets forward, and no
// write happens unless the day bucket changes.
func UpdateFollowed(ctx context.Context, client store.Client, userID int64, viewpointID string, oldTimestamp, newTimestamp int64) error {
	if oldTimestamp > 0 && oldTimestamp >= newTimestamp {
		return nil
	}
	oldDay := TruncateToDay(oldTimestamp)
	newDay := TruncateToDay(newTimestamp)
	if oldTimestamp > 0 && oldDay == newDay {
		return nil
	}
	attrs := store.Item{
		"viewpoint_id": store.String(viewpointID),
		"date_updated": store.Number(newDay),
	}
	if err := client.PutItem(ctx, store.TableFollowed, followedKey(userID, FollowedSortKey(viewpointID, newDay)), attrs, nil); err != nil {
		return err
	}
	if oldTimestamp > 0 {
		return client.DeleteItem(ctx, store.TableFollowed, followedKey(userID, FollowedSortKey(viewpointID, oldDay)), nil)
	}
	return nil
}

// QueryFollowed pages through a user's followed viewpoints, most recently
// updated day first.
func QueryFollowed(ctx context.Context, client store.Client, userID int64, startKey string, limit int) ([]*Followed, string, error) {
	opts := store.QueryOptions{Limit: limit}
	if startKey != "" {
		sk := store.StringKey(startKey)
		opts.ExclusiveStart = &sk
	}
	res, err := client.Query(ctx, store.TableFollowed, store.NumberKey(userID), nil, opts)
	if err != nil {
		return nil, "", err
	}
	out := make([]*Followed, len(res.Items))
	for i, it := range res.Items {
		out[i] = &Followed{
			UserID:      it.GetNumber("user_id"),
			SortKey:     it.GetString("sort_key"),
			ViewpointID: it.GetString("viewpoint_id"),
			DateUpdated: it.GetNumber("date_updated"),
		}
	}
	var last string
	if res.LastEvaluated != nil {
		last = res.LastEvaluated.S
	}
	return out, last, nil
}
