package model

import (
	"context"

	"github.com/viewfinderco/viewfinder/internal/idcodec"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// Comment is a message posted on a viewpoint, optionally attached to an
// asset (usually a photo).
type Comment struct {
	ViewpointID string
	CommentID   string
	UserID      int64
	AssetID     string
	Timestamp   int64
	Message     string
}

// ConstructCommentID builds a comment id. Comments sort oldest first.
func ConstructCommentID(timestamp int64, deviceID, localID int64) string {
	return idcodec.ConstructTimestampAssetID(idcodec.PrefixComment,
		uint64(timestamp), uint64(deviceID), idcodec.Uniquifier{LocalID: uint64(localID)}, false)
}

func commentKey(viewpointID, commentID string) store.Key {
	return store.Key{Hash: store.StringKey(viewpointID), Sort: store.StringKey(commentID)}
}

// PutComment writes the full comment row.
func PutComment(ctx context.Context, client store.Client, c *Comment) error {
	attrs := store.Item{
		"user_id":   store.Number(c.UserID),
		"timestamp": store.Number(c.Timestamp),
		"message":   store.String(c.Message),
	}
	if c.AssetID != "" {
		attrs["asset_id"] = store.String(c.AssetID)
	}
	return client.PutItem(ctx, store.TableComment, commentKey(c.ViewpointID, c.CommentID), attrs, nil)
}

// ListComments returns a viewpoint's comments oldest first.
func ListComments(ctx context.Context, client store.Client, viewpointID string, limit int) ([]*Comment, error) {
	res, err := client.Query(ctx, store.TableComment, store.StringKey(viewpointID), nil, store.QueryOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]*Comment, len(res.Items))
	for i, it := range res.Items {
		out[i] = &Comment{
			ViewpointID: it.GetString("viewpoint_id"),
			CommentID:   it.GetString("comment_id"),
			UserID:      it.GetNumber("user_id"),
			AssetID:     it.GetString("asset_id"),
			Timestamp:   it.GetNumber("timestamp"),
			Message:     it.GetString("message"),
		}
	}
	return out, nil
}
