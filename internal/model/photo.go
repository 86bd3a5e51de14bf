package model

import (
	"context"

	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/idcodec"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// Photo is the durable record of an uploaded image. Blob storage is an
// external collaborator; the row carries only metadata and sizes.
type Photo struct {
	PhotoID     string
	UserID      int64
	EpisodeID   string // original upload episode
	Timestamp   int64
	AspectRatio string
	SizeBytes   int64
}

// ConstructPhotoID builds a photo id. The timestamp is reversed so photos
// sort newest first.
func ConstructPhotoID(timestamp int64, deviceID, localID int64) string {
	return idcodec.ConstructTimestampAssetID(idcodec.PrefixPhoto,
		uint64(timestamp), uint64(deviceID), idcodec.Uniquifier{LocalID: uint64(localID)}, true)
}

func photoKey(photoID string) store.Key {
	return store.Key{Hash: store.StringKey(photoID)}
}

func photoFromItem(it store.Item) *Photo {
	return &Photo{
		PhotoID:     it.GetString("photo_id"),
		UserID:      it.GetNumber("user_id"),
		EpisodeID:   it.GetString("episode_id"),
		Timestamp:   it.GetNumber("timestamp"),
		AspectRatio: it.GetString("aspect_ratio"),
		SizeBytes:   it.GetNumber("size_bytes"),
	}
}

// GetPhoto loads a photo, returning a typed not-found error.
func GetPhoto(ctx context.Context, client store.Client, photoID string) (*Photo, error) {
	it, err := client.GetItem(ctx, store.TablePhoto, photoKey(photoID))
	if store.IsNotFound(err) {
		return nil, vferrors.NotFound(vferrors.IDBadRequest, "photo %s does not exist", photoID)
	}
	if err != nil {
		return nil, err
	}
	return photoFromItem(it), nil
}

// BatchGetPhotos loads many photos; missing photos yield nil entries.
func BatchGetPhotos(ctx context.Context, client store.Client, photoIDs []string) ([]*Photo, error) {
	keys := make([]store.Key, len(photoIDs))
	for i, id := range photoIDs {
		keys[i] = photoKey(id)
	}
	items, err := client.BatchGetItem(ctx, store.TablePhoto, keys)
	if err != nil {
		return nil, err
	}
	out := make([]*Photo, len(items))
	for i, it := range items {
		if it != nil {
			out[i] = photoFromItem(it)
		}
	}
	return out, nil
}

// PutPhoto writes the full photo row.
func PutPhoto(ctx context.Context, client store.Client, p *Photo) error {
	attrs := store.Item{
		"user_id":    store.Number(p.UserID),
		"timestamp":  store.Number(p.Timestamp),
		"size_bytes": store.Number(p.SizeBytes),
	}
	if p.EpisodeID != "" {
		attrs["episode_id"] = store.String(p.EpisodeID)
	}
	if p.AspectRatio != "" {
		attrs["aspect_ratio"] = store.String(p.AspectRatio)
	}
	return client.PutItem(ctx, store.TablePhoto, photoKey(p.PhotoID), attrs, nil)
}

// UpdatePhotoAttrs applies a partial update to a photo row.
func UpdatePhotoAttrs(ctx context.Context, client store.Client, photoID string, updates map[string]store.Update) error {
	_, err := client.UpdateItem(ctx, store.TablePhoto, photoKey(photoID), updates, nil)
	return err
}
