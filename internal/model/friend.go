package model

import (
	"context"

	"github.com/viewfinderco/viewfinder/internal/store"
)

// Friend is a one-way edge carrying per-user metadata about another user
// (nickname, colocated status). Edges are created lazily when users first
// share a viewpoint.
type Friend struct {
	UserID   int64
	FriendID int64
	Nickname string
}

func friendKey(userID, friendID int64) store.Key {
	return store.Key{Hash: store.NumberKey(userID), Sort: store.NumberKey(friendID)}
}

// GetFriend loads one friend edge or nil when absent.
func GetFriend(ctx context.Context, client store.Client, userID, friendID int64) (*Friend, error) {
	it, err := client.GetItem(ctx, store.TableFriend, friendKey(userID, friendID))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Friend{
		UserID:   it.GetNumber("user_id"),
		FriendID: it.GetNumber("friend_id"),
		Nickname: it.GetString("nickname"),
	}, nil
}

// PutFriend writes the full friend edge.
func PutFriend(ctx context.Context, client store.Client, f *Friend) error {
	attrs := store.Item{}
	if f.Nickname != "" {
		attrs["nickname"] = store.String(f.Nickname)
	}
	return client.PutItem(ctx, store.TableFriend, friendKey(f.UserID, f.FriendID), attrs, nil)
}

// Contact is an address-book entry uploaded by a user, keyed by a
// client-computed contact id.
type Contact struct {
	UserID      int64
	ContactID   string
	Name        string
	IdentityKey string
}

func contactKey(userID int64, contactID string) store.Key {
	return store.Key{Hash: store.NumberKey(userID), Sort: store.StringKey(contactID)}
}

// PutContact writes one contact row.
func PutContact(ctx context.Context, client store.Client, c *Contact) error {
	attrs := store.Item{
		"name": store.String(c.Name),
	}
	if c.IdentityKey != "" {
		attrs["identity_key"] = store.String(c.IdentityKey)
	}
	return client.PutItem(ctx, store.TableContact, contactKey(c.UserID, c.ContactID), attrs, nil)
}

// ListContacts pages a user's contacts from startKey.
func ListContacts(ctx context.Context, client store.Client, userID int64, startKey string, limit int) ([]*Contact, error) {
	var cond *store.RangeCondition
	if startKey != "" {
		cond = &store.RangeCondition{Op: store.RangeGT, Value: store.StringKey(startKey)}
	}
	res, err := client.Query(ctx, store.TableContact, store.NumberKey(userID), cond, store.QueryOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]*Contact, len(res.Items))
	for i, it := range res.Items {
		out[i] = &Contact{
			UserID:      it.GetNumber("user_id"),
			ContactID:   it.GetString("contact_id"),
			Name:        it.GetString("name"),
			IdentityKey: it.GetString("identity_key"),
		}
	}
	return out, nil
}
