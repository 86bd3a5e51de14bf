package model

import (
	"context"

	"github.com/viewfinderco/viewfinder/internal/store"
)

// Device is a client installation belonging to a user.
type Device struct {
	UserID      int64
	DeviceID    int64
	PushToken   string
	Platform    string
	Version     string
	LastAccess  int64
	AlertUserID int64
}

func deviceKey(userID, deviceID int64) store.Key {
	return store.Key{Hash: store.NumberKey(userID), Sort: store.NumberKey(deviceID)}
}

func deviceFromItem(it store.Item) *Device {
	return &Device{
		UserID:      it.GetNumber("user_id"),
		DeviceID:    it.GetNumber("device_id"),
		PushToken:   it.GetString("push_token"),
		Platform:    it.GetString("platform"),
		Version:     it.GetString("version"),
		LastAccess:  it.GetNumber("last_access"),
		AlertUserID: it.GetNumber("alert_user_id"),
	}
}

func (d *Device) toItem() store.Item {
	it := store.Item{
		"platform":    store.String(d.Platform),
		"version":     store.String(d.Version),
		"last_access": store.Number(d.LastAccess),
	}
	if d.PushToken != "" {
		it["push_token"] = store.String(d.PushToken)
		it["alert_user_id"] = store.Number(d.AlertUserID)
	}
	return it
}

// GetDevice loads one device or nil when absent.
func GetDevice(ctx context.Context, client store.Client, userID, deviceID int64) (*Device, error) {
	it, err := client.GetItem(ctx, store.TableDevice, deviceKey(userID, deviceID))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return deviceFromItem(it), nil
}

// PutDevice writes the full device row.
func PutDevice(ctx context.Context, client store.Client, d *Device) error {
	return client.PutItem(ctx, store.TableDevice, deviceKey(d.UserID, d.DeviceID), d.toItem(), nil)
}

// ListDevices returns all of a user's devices.
func ListDevices(ctx context.Context, client store.Client, userID int64) ([]*Device, error) {
	res, err := client.Query(ctx, store.TableDevice, store.NumberKey(userID), nil, store.QueryOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]*Device, len(res.Items))
	for i, it := range res.Items {
		out[i] = deviceFromItem(it)
	}
	return out, nil
}

// ClaimPushToken enforces token uniqueness: at most one device may claim a
// push token, and claiming steals it from any prior device, whose token is
// cleared. The claiming device's alert_user_id is set to its owner.
func ClaimPushToken(ctx context.Context, client store.Client, userID, deviceID int64, token string) error {
	var start *store.Key
	for {
		res, err := client.Scan(ctx, store.TableDevice, store.ScanOptions{Limit: 100, ExclusiveStart: start})
		if err != nil {
			return err
		}
		for _, it := range res.Items {
			d := deviceFromItem(it)
			if d.PushToken != token || (d.UserID == userID && d.DeviceID == deviceID) {
				continue
			}
			_, err := client.UpdateItem(ctx, store.TableDevice, deviceKey(d.UserID, d.DeviceID),
				map[string]store.Update{
					"push_token":    store.Delete(),
					"alert_user_id": store.Delete(),
				}, nil)
			if err != nil {
				return err
			}
		}
		if res.LastEvaluated == nil {
			break
		}
		start = res.LastEvaluated
	}
	_, err := client.UpdateItem(ctx, store.TableDevice, deviceKey(userID, deviceID),
		map[string]store.Update{
			"push_token":    store.Put(store.String(token)),
			"alert_user_id": store.Put(store.Number(userID)),
		}, nil)
	return err
}

// InvalidatePushToken clears a token reported dead by the push feedback
// channel, wherever it is claimed.
func InvalidatePushToken(ctx context.Context, client store.Client, token string) error {
	var start *store.Key
	for {
		res, err := client.Scan(ctx, store.TableDevice, store.ScanOptions{Limit: 100, ExclusiveStart: start})
		if err != nil {
			return err
		}
		for _, it := range res.Items {
			d := deviceFromItem(it)
			if d.PushToken != token {
				continue
			}
			_, err := client.UpdateItem(ctx, store.TableDevice, deviceKey(d.UserID, d.DeviceID),
				map[string]store.Update{
					"push_token":    store.Delete(),
					"alert_user_id": store.Delete(),
				}, nil)
			if err != nil {
				return err
			}
		}
		if res.LastEvaluated == nil {
			return nil
		}
		start = res.LastEvaluated
	}
}
