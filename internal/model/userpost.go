package model

import (
	"context"

	"github.com/viewfinderco/viewfinder/internal/store"
)

// UserPostLabelHidden hides a post from the user's library and inbox views
// without affecting other followers.
const UserPostLabelHidden = "hidden"

// UserPost is a user's personal relationship to a post.
type UserPost struct {
	UserID    int64
	PostID    string
	Timestamp int64
	Labels    []string
}

// IsHidden reports whether the user hid the post.
func (up *UserPost) IsHidden() bool {
	for _, l := range up.Labels {
		if l == UserPostLabelHidden {
			return true
		}
	}
	return false
}

func userPostKey(userID int64, postID string) store.Key {
	return store.Key{Hash: store.NumberKey(userID), Sort: store.StringKey(postID)}
}

// GetUserPost loads one user-post row or nil when absent.
func GetUserPost(ctx context.Context, client store.Client, userID int64, postID string) (*UserPost, error) {
	it, err := client.GetItem(ctx, store.TableUserPost, userPostKey(userID, postID))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &UserPost{
		UserID:    it.GetNumber("user_id"),
		PostID:    it.GetString("post_id"),
		Timestamp: it.GetNumber("timestamp"),
		Labels:    it.GetStringSet("labels"),
	}, nil
}

// PutUserPost writes the full user-post row.
func PutUserPost(ctx context.Context, client store.Client, up *UserPost) error {
	attrs := store.Item{
		"timestamp": store.Number(up.Timestamp),
	}
	if len(up.Labels) > 0 {
		attrs["labels"] = store.StringSet(up.Labels...)
	}
	return client.PutItem(ctx, store.TableUserPost, userPostKey(up.UserID, up.PostID), attrs, nil)
}
