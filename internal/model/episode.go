package model

import (
	"context"

	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/idcodec"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// Episode is a chronologically-grouped set of photos posted into a
// viewpoint. When an episode is shared, a child episode is created in the
// target viewpoint with ParentEpID pointing back.
type Episode struct {
	EpisodeID  string
	UserID     int64
	ViewpointID string
	ParentEpID string
	Timestamp  int64
	Title      string
}

// ConstructEpisodeID builds an episode id. Episodes sort newest first.
func ConstructEpisodeID(timestamp int64, deviceID, localID int64) string {
	return idcodec.ConstructTimestampAssetID(idcodec.PrefixEpisode,
		uint64(timestamp), uint64(deviceID), idcodec.Uniquifier{LocalID: uint64(localID)}, true)
}

func episodeKey(episodeID string) store.Key {
	return store.Key{Hash: store.StringKey(episodeID)}
}

func episodeFromItem(it store.Item) *Episode {
	return &Episode{
		EpisodeID:   it.GetString("episode_id"),
		UserID:      it.GetNumber("user_id"),
		ViewpointID: it.GetString("viewpoint_id"),
		ParentEpID:  it.GetString("parent_ep_id"),
		Timestamp:   it.GetNumber("timestamp"),
		Title:       it.GetString("title"),
	}
}

// GetEpisode loads an episode, returning a typed not-found error.
func GetEpisode(ctx context.Context, client store.Client, episodeID string) (*Episode, error) {
	it, err := client.GetItem(ctx, store.TableEpisode, episodeKey(episodeID))
	if store.IsNotFound(err) {
		return nil, vferrors.NotFound(vferrors.IDEpisodeNotFound, "episode %s does not exist", episodeID)
	}
	if err != nil {
		return nil, err
	}
	return episodeFromItem(it), nil
}

// PutEpisode writes the full episode row.
func PutEpisode(ctx context.Context, client store.Client, ep *Episode) error {
	attrs := store.Item{
		"user_id":      store.Number(ep.UserID),
		"viewpoint_id": store.String(ep.ViewpointID),
		"timestamp":    store.Number(ep.Timestamp),
	}
	if ep.ParentEpID != "" {
		attrs["parent_ep_id"] = store.String(ep.ParentEpID)
	}
	if ep.Title != "" {
		attrs["title"] = store.String(ep.Title)
	}
	return client.PutItem(ctx, store.TableEpisode, episodeKey(ep.EpisodeID), attrs, nil)
}
