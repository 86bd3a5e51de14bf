package model

import (
	"context"
	"strings"

	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/idcodec"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// Post labels.
const (
	PostLabelUnshared = "unshared"
	PostLabelRemoved  = "removed"
)

// Post is the membership of a photo in an episode.
type Post struct {
	EpisodeID string
	PhotoID   string
	Labels    []string
}

// HasLabel reports whether the post carries the label.
func (p *Post) HasLabel(label string) bool {
	for _, l := range p.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// IsUnshared reports whether the posting user unshared the photo.
func (p *Post) IsUnshared() bool { return p.HasLabel(PostLabelUnshared) }

// IsRemoved reports whether the photo is inaccessible. The unshared label
// always implies removed.
func (p *Post) IsRemoved() bool { return p.IsUnshared() || p.HasLabel(PostLabelRemoved) }

// ConstructPostID concatenates episode and photo ids with a '+' separator.
// '+' sorts below every b64hex character, so post ids order the same as
// (episode_id, photo_id) pairs.
func ConstructPostID(episodeID, photoID string) string {
	return idcodec.PrefixPost + episodeID[1:] + "+" + photoID[1:]
}

// DeconstructPostID splits a post id into (episode_id, photo_id).
func DeconstructPostID(postID string) (string, string, error) {
	if len(postID) == 0 || postID[:1] != idcodec.PrefixPost {
		return "", "", vferrors.InvalidRequest(vferrors.IDBadRequest, "post id %q is malformed", postID)
	}
	idx := strings.Index(postID, "+")
	if idx <= 0 {
		return "", "", vferrors.InvalidRequest(vferrors.IDBadRequest, "post id %q is malformed", postID)
	}
	return idcodec.PrefixEpisode + postID[1:idx], idcodec.PrefixPhoto + postID[idx+1:], nil
}

func postKey(episodeID, photoID string) store.Key {
	return store.Key{Hash: store.StringKey(episodeID), Sort: store.StringKey(photoID)}
}

// GetPost loads one post or nil when absent.
func GetPost(ctx context.Context, client store.Client, episodeID, photoID string) (*Post, error) {
	it, err := client.GetItem(ctx, store.TablePost, postKey(episodeID, photoID))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return postFromItem(it), nil
}

func postFromItem(it store.Item) *Post {
	return &Post{
		EpisodeID: it.GetString("episode_id"),
		PhotoID:   it.GetString("photo_id"),
		Labels:    it.GetStringSet("labels"),
	}
}

// PutPost writes the full post row.
func PutPost(ctx context.Context, client store.Client, p *Post) error {
	attrs := store.Item{}
	if len(p.Labels) > 0 {
		attrs["labels"] = store.StringSet(p.Labels...)
	}
	return client.PutItem(ctx, store.TablePost, postKey(p.EpisodeID, p.PhotoID), attrs, nil)
}

// AddPostLabel unions a label into the post's label set.
func AddPostLabel(ctx context.Context, client store.Client, episodeID, photoID, label string) error {
	_, err := client.UpdateItem(ctx, store.TablePost, postKey(episodeID, photoID), map[string]store.Update{
		"labels": store.Add(store.StringSet(label)),
	}, nil)
	return err
}

// ListPosts returns every post in an episode, photo-timestamp descending
// (photo ids reverse the timestamp).
func ListPosts(ctx context.Context, client store.Client, episodeID string) ([]*Post, error) {
	res, err := client.Query(ctx, store.TablePost, store.StringKey(episodeID), nil, store.QueryOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]*Post, len(res.Items))
	for i, it := range res.Items {
		out[i] = postFromItem(it)
	}
	return out, nil
}
