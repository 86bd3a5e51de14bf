package model

import (
	"context"

	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/idcodec"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// Viewpoint types.
const (
	ViewpointTypeDefault = "default"
	ViewpointTypeEvent   = "event"
	ViewpointTypeSystem  = "system"
)

// Viewpoint is a conversation: a container of shared episodes, comments and
// followers. update_seq increases on every content change and is the basis
// for per-follower unread positions.
type Viewpoint struct {
	ViewpointID  string
	Type         string
	UserID       int64 // owner
	Title        string
	CoverPhotoID string
	UpdateSeq    int64
	LastUpdated  int64
}

// ConstructViewpointID builds a viewpoint id from the allocating device and
// its local sequence.
func ConstructViewpointID(deviceID, localID int64) string {
	return idcodec.ConstructDeviceAssetID(idcodec.PrefixViewpoint,
		uint64(deviceID), idcodec.Uniquifier{LocalID: uint64(localID)})
}

func viewpointKey(viewpointID string) store.Key {
	return store.Key{Hash: store.StringKey(viewpointID)}
}

func viewpointFromItem(it store.Item) *Viewpoint {
	return &Viewpoint{
		ViewpointID:  it.GetString("viewpoint_id"),
		Type:         it.GetString("type"),
		UserID:       it.GetNumber("user_id"),
		Title:        it.GetString("title"),
		CoverPhotoID: it.GetString("cover_photo_id"),
		UpdateSeq:    it.GetNumber("update_seq"),
		LastUpdated:  it.GetNumber("last_updated"),
	}
}

// GetViewpoint loads a viewpoint, returning a typed not-found error.
func GetViewpoint(ctx context.Context, client store.Client, viewpointID string) (*Viewpoint, error) {
	it, err := client.GetItem(ctx, store.TableViewpoint, viewpointKey(viewpointID))
	if store.IsNotFound(err) {
		return nil, vferrors.NotFound(vferrors.IDViewpointNotFound, "viewpoint %s does not exist", viewpointID)
	}
	if err != nil {
		return nil, err
	}
	return viewpointFromItem(it), nil
}

// PutViewpoint writes the full viewpoint row.
func PutViewpoint(ctx context.Context, client store.Client, vp *Viewpoint) error {
	attrs := store.Item{
		"type":         store.String(vp.Type),
		"user_id":      store.Number(vp.UserID),
		"update_seq":   store.Number(vp.UpdateSeq),
		"last_updated": store.Number(vp.LastUpdated),
	}
	if vp.Title != "" {
		attrs["title"] = store.String(vp.Title)
	}
	if vp.CoverPhotoID != "" {
		attrs["cover_photo_id"] = store.String(vp.CoverPhotoID)
	}
	return client.PutItem(ctx, store.TableViewpoint, viewpointKey(vp.ViewpointID), attrs, nil)
}

// UpdateViewpointAttrs applies a partial update.
func UpdateViewpointAttrs(ctx context.Context, client store.Client, viewpointID string, updates map[string]store.Update) error {
	_, err := client.UpdateItem(ctx, store.TableViewpoint, viewpointKey(viewpointID), updates, nil)
	return err
}

// BumpUpdateSeq increments update_seq and stamps last_updated, returning the
// new sequence value. update_seq only ever increases.
func BumpUpdateSeq(ctx context.Context, client store.Client, viewpointID string, timestamp int64) (int64, error) {
	it, err := client.UpdateItem(ctx, store.TableViewpoint, viewpointKey(viewpointID), map[string]store.Update{
		"update_seq":   store.Add(store.Number(1)),
		"last_updated": store.Put(store.Number(timestamp)),
	}, nil)
	if err != nil {
		return 0, err
	}
	return it.GetNumber("update_seq"), nil
}

// DeleteViewpoint removes the viewpoint row. Callers are responsible for
// follower cleanup.
func DeleteViewpoint(ctx context.Context, client store.Client, viewpointID string) error {
	return client.DeleteItem(ctx, store.TableViewpoint, viewpointKey(viewpointID), nil)
}
