package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/viewfinderco/viewfinder/internal/store"
)

// Accounting rows hold denormalized counters. Idempotence across operation
// retries comes from the op_ids CSV: a delta is applied only if its
// operation id is not already recorded on the row.

// Accounting scopes. The sort key disambiguates within a hash scope.
const (
	accountingUserOwned  = "ow"
	accountingSharedBy   = "sb"
	accountingViewpoint  = "vs"
	accountingTotalsSort = "t"
)

// opIDsCap bounds the op_ids CSV; the oldest ids are evicted first. A retry
// older than the cap window may double-count, which is accepted.
const opIDsCap = 32

// Accounting is one counter row plus pending deltas.
type Accounting struct {
	HashKey          string
	SortKey          string
	SizeBytes        int64
	NumPhotos        int64
	NumConversations int64
}

// UserOwnedScope addresses counters for a user's own library.
func UserOwnedScope(userID int64) (string, string) {
	return fmt.Sprintf("%s:%d", accountingUserOwned, userID), accountingTotalsSort
}

// SharedByScope addresses counters for content a user shared into a
// viewpoint.
func SharedByScope(userID int64, viewpointID string) (string, string) {
	return fmt.Sprintf("%s:%d", accountingSharedBy, userID), viewpointID
}

// ViewpointScope addresses counters for everything visible in a viewpoint.
func ViewpointScope(viewpointID string) (string, string) {
	return accountingViewpoint + ":" + viewpointID, accountingTotalsSort
}

func accountingKey(hashKey, sortKey string) store.Key {
	return store.Key{Hash: store.StringKey(hashKey), Sort: store.StringKey(sortKey)}
}

// GetAccounting loads one counter row or nil when absent.
func GetAccounting(ctx context.Context, client store.Client, hashKey, sortKey string) (*Accounting, error) {
	it, err := client.GetItem(ctx, store.TableAccounting, accountingKey(hashKey, sortKey))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Accounting{
		HashKey:          hashKey,
		SortKey:          sortKey,
		SizeBytes:        it.GetNumber("size_bytes"),
		NumPhotos:        it.GetNumber("num_photos"),
		NumConversations: it.GetNumber("num_conversations"),
	}, nil
}

// Accumulator batches accounting deltas for one operation and applies them
// exactly once per operation id.
type Accumulator struct {
	deltas map[[2]string]*Accounting
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{deltas: make(map[[2]string]*Accounting)}
}

func (a *Accumulator) delta(hashKey, sortKey string) *Accounting {
	k := [2]string{hashKey, sortKey}
	d, ok := a.deltas[k]
	if !ok {
		d = &Accounting{HashKey: hashKey, SortKey: sortKey}
		a.deltas[k] = d
	}
	return d
}

// UploadPhotos records photos added to the user's own library.
func (a *Accumulator) UploadPhotos(userID int64, sizeBytes int64, numPhotos int64) {
	h, s := UserOwnedScope(userID)
	d := a.delta(h, s)
	d.SizeBytes += sizeBytes
	d.NumPhotos += numPhotos
}

// RemovePhotos records photos removed from the user's own library.
func (a *Accumulator) RemovePhotos(userID int64, viewpointID string, sizeBytes int64, numPhotos int64) {
	h, s := UserOwnedScope(userID)
	d := a.delta(h, s)
	d.SizeBytes -= sizeBytes
	d.NumPhotos -= numPhotos
}

// SharePhotos records photos shared by a user into a viewpoint.
func (a *Accumulator) SharePhotos(userID int64, viewpointID string, sizeBytes int64, numPhotos int64) {
	h, s := SharedByScope(userID, viewpointID)
	d := a.delta(h, s)
	d.SizeBytes += sizeBytes
	d.NumPhotos += numPhotos

	h, s = ViewpointScope(viewpointID)
	d = a.delta(h, s)
	d.SizeBytes += sizeBytes
	d.NumPhotos += numPhotos
}

// UnsharePhotos reverses SharePhotos for unshared content.
func (a *Accumulator) UnsharePhotos(userID int64, viewpointID string, sizeBytes int64, numPhotos int64) {
	a.SharePhotos(userID, viewpointID, -sizeBytes, -numPhotos)
}

// AddConversation records a viewpoint joined by a user.
func (a *Accumulator) AddConversation(userID int64) {
	h, s := UserOwnedScope(userID)
	a.delta(h, s).NumConversations++
}

// RemoveConversation reverses AddConversation.
func (a *Accumulator) RemoveConversation(userID int64) {
	h, s := UserOwnedScope(userID)
	a.delta(h, s).NumConversations--
}

// Apply writes every pending delta, skipping rows that already record opID.
// Conditional updates on op_ids resolve races with concurrent appliers.
func (a *Accumulator) Apply(ctx context.Context, client store.Client, opID string) error {
	for _, d := range a.deltas {
		if err := applyDelta(ctx, client, d, opID); err != nil {
			return err
		}
	}
	return nil
}

func applyDelta(ctx context.Context, client store.Client, d *Accounting, opID string) error {
	for attempt := 0; attempt < 5; attempt++ {
		it, err := client.GetItem(ctx, store.TableAccounting, accountingKey(d.HashKey, d.SortKey))
		var existingIDs string
		exists := true
		switch {
		case store.IsNotFound(err):
			exists = false
		case err != nil:
			return err
		default:
			existingIDs = it.GetString("op_ids")
		}
		if containsOpID(existingIDs, opID) {
			return nil
		}

		updates := map[string]store.Update{
			"size_bytes":        store.Add(store.Number(d.SizeBytes)),
			"num_photos":        store.Add(store.Number(d.NumPhotos)),
			"num_conversations": store.Add(store.Number(d.NumConversations)),
			"op_ids":            store.Put(store.String(appendOpID(existingIDs, opID))),
		}
		var expected map[string]store.Expected
		if exists {
			if existingIDs == "" {
				expected = map[string]store.Expected{"op_ids": store.ExpectAbsent()}
			} else {
				expected = map[string]store.Expected{"op_ids": store.ExpectValue(store.String(existingIDs))}
			}
		} else {
			expected = map[string]store.Expected{"hash_key": store.ExpectAbsent()}
		}
		_, err = client.UpdateItem(ctx, store.TableAccounting, accountingKey(d.HashKey, d.SortKey), updates, expected)
		if err == nil {
			return nil
		}
		if !store.IsConditionalCheckFailed(err) {
			return err
		}
		// Raced with another applier; re-read and re-check.
	}
	return fmt.Errorf("model: accounting apply for %s/%s kept racing", d.HashKey, d.SortKey)
}

func containsOpID(csv, opID string) bool {
	if csv == "" {
		return false
	}
	for _, id := range strings.Split(csv, ",") {
		if id == opID {
			return true
		}
	}
	return false
}

func appendOpID(csv, opID string) string {
	if csv == "" {
		return opID
	}
	ids := strings.Split(csv, ",")
	ids = append(ids, opID)
	if len(ids) > opIDsCap {
		ids = ids[len(ids)-opIDsCap:]
	}
	return strings.Join(ids, ",")
}
