// Package model holds the entity repositories over the key-value schema.
// Each repository enforces its entity's invariants at write time; none of
// them know anything about operations or notifications.
package model

import (
	"context"
	"fmt"

	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// User is a registered or prospective account.
type User struct {
	UserID      int64
	Name        string
	Email       string
	PrivateVpID string
	WebappDevID int64
	AssetIDSeq  int64
	Registered  bool
	Terminated  bool
}

func userKey(userID int64) store.Key {
	return store.Key{Hash: store.NumberKey(userID)}
}

func userFromItem(it store.Item) *User {
	return &User{
		UserID:      it.GetNumber("user_id"),
		Name:        it.GetString("name"),
		Email:       it.GetString("email"),
		PrivateVpID: it.GetString("private_vp_id"),
		WebappDevID: it.GetNumber("webapp_dev_id"),
		AssetIDSeq:  it.GetNumber("asset_id_seq"),
		Registered:  it.GetNumber("registered") != 0,
		Terminated:  it.GetNumber("terminated") != 0,
	}
}

func (u *User) toItem() store.Item {
	it := store.Item{
		"name":          store.String(u.Name),
		"email":         store.String(u.Email),
		"private_vp_id": store.String(u.PrivateVpID),
		"webapp_dev_id": store.Number(u.WebappDevID),
		"asset_id_seq":  store.Number(u.AssetIDSeq),
	}
	if u.Registered {
		it["registered"] = store.Number(1)
	}
	if u.Terminated {
		it["terminated"] = store.Number(1)
	}
	return it
}

// GetUser loads a user, returning a typed not-found error for callers in the
// CHECK phase.
func GetUser(ctx context.Context, client store.Client, userID int64) (*User, error) {
	it, err := client.GetItem(ctx, store.TableUser, userKey(userID))
	if store.IsNotFound(err) {
		return nil, vferrors.NotFound(vferrors.IDUserNotFound, "user %d does not exist", userID)
	}
	if err != nil {
		return nil, err
	}
	return userFromItem(it), nil
}

// PutUser writes the full user row.
func PutUser(ctx context.Context, client store.Client, u *User) error {
	return client.PutItem(ctx, store.TableUser, userKey(u.UserID), u.toItem(), nil)
}

// UpdateUserAttrs applies a partial update to a user row.
func UpdateUserAttrs(ctx context.Context, client store.Client, userID int64, updates map[string]store.Update) error {
	_, err := client.UpdateItem(ctx, store.TableUser, userKey(userID), updates, nil)
	return err
}

// TerminateUser tombstones an account. The row is preserved for referential
// integrity; the tombstone prevents future login.
func TerminateUser(ctx context.Context, client store.Client, userID int64) error {
	_, err := client.UpdateItem(ctx, store.TableUser, userKey(userID), map[string]store.Update{
		"terminated": store.Put(store.Number(1)),
	}, nil)
	return err
}

// AllocateAssetIDs atomically reserves n sequence values from the user's
// asset id sequence and returns the first reserved value. The single-
// attribute update keeps the bump exempt from the CHECK-phase audit.
func AllocateAssetIDs(ctx context.Context, client store.Client, userID int64, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("model: asset id count %d", n)
	}
	it, err := client.UpdateItem(ctx, store.TableUser, userKey(userID), map[string]store.Update{
		"asset_id_seq": store.Add(store.Number(n)),
	}, nil)
	if err != nil {
		return 0, err
	}
	return it.GetNumber("asset_id_seq") - n, nil
}

// AllocateUserID reserves a new user id from the global allocator.
func AllocateUserID(ctx context.Context, client store.Client) (int64, error) {
	return allocateID(ctx, client, "user_id")
}

// AllocateDeviceID reserves a new device id from the global allocator.
func AllocateDeviceID(ctx context.Context, client store.Client) (int64, error) {
	return allocateID(ctx, client, "device_id")
}

func allocateID(ctx context.Context, client store.Client, idType string) (int64, error) {
	it, err := client.UpdateItem(ctx, store.TableIDAllocator,
		store.Key{Hash: store.StringKey(idType)},
		map[string]store.Update{"next": store.Add(store.Number(1))}, nil)
	if err != nil {
		return 0, err
	}
	return it.GetNumber("next"), nil
}
