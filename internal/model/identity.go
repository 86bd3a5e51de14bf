package model

import (
	"context"
	"regexp"
	"strings"

	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// Identity links an external account (email, phone, OAuth authority) to a
// user. An identity may exist unlinked (UserID == 0), e.g. after a contact
// upload references an address nobody has registered yet.
type Identity struct {
	Key          string // "<scheme>:<canonical value>"
	Authority    string
	AccessToken  string
	RefreshToken string
	Expires      int64
	UserID       int64
}

var phoneRE = regexp.MustCompile(`^\+[1-9][0-9]{4,14}$`)

// CanonicalizeIdentityKey normalizes an identity key to its canonical form:
// emails are lowercased, phone numbers must already be E.164. The canonical
// form is enforced on every write.
func CanonicalizeIdentityKey(key string) (string, error) {
	scheme, value, ok := strings.Cut(key, ":")
	if !ok || value == "" {
		return "", vferrors.InvalidRequest(vferrors.IDInvalidIdentityKey, "identity key %q is malformed", key)
	}
	switch scheme {
	case "Email":
		return scheme + ":" + strings.ToLower(value), nil
	case "Phone":
		if !phoneRE.MatchString(value) {
			return "", vferrors.InvalidRequest(vferrors.IDInvalidIdentityKey, "phone identity %q is not E.164", key)
		}
		return key, nil
	case "FacebookGraph", "VF":
		return key, nil
	default:
		return "", vferrors.InvalidRequest(vferrors.IDInvalidIdentityKey, "unknown identity scheme %q", scheme)
	}
}

func identityKey(key string) store.Key {
	return store.Key{Hash: store.StringKey(key)}
}

func identityFromItem(it store.Item) *Identity {
	return &Identity{
		Key:          it.GetString("identity_key"),
		Authority:    it.GetString("authority"),
		AccessToken:  it.GetString("access_token"),
		RefreshToken: it.GetString("refresh_token"),
		Expires:      it.GetNumber("expires"),
		UserID:       it.GetNumber("linked_user_id"),
	}
}

// GetIdentity loads an identity or nil when absent. The key is
// canonicalized first.
func GetIdentity(ctx context.Context, client store.Client, key string) (*Identity, error) {
	canonical, err := CanonicalizeIdentityKey(key)
	if err != nil {
		return nil, err
	}
	it, err := client.GetItem(ctx, store.TableIdentity, identityKey(canonical))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return identityFromItem(it), nil
}

// PutIdentity writes the identity row under its canonical key.
func PutIdentity(ctx context.Context, client store.Client, ident *Identity) error {
	canonical, err := CanonicalizeIdentityKey(ident.Key)
	if err != nil {
		return err
	}
	ident.Key = canonical
	attrs := store.Item{
		"authority": store.String(ident.Authority),
	}
	if ident.AccessToken != "" {
		attrs["access_token"] = store.String(ident.AccessToken)
	}
	if ident.RefreshToken != "" {
		attrs["refresh_token"] = store.String(ident.RefreshToken)
	}
	if ident.Expires != 0 {
		attrs["expires"] = store.Number(ident.Expires)
	}
	if ident.UserID != 0 {
		attrs["linked_user_id"] = store.Number(ident.UserID)
	}
	return client.PutItem(ctx, store.TableIdentity, identityKey(canonical), attrs, nil)
}

// LinkIdentity points an identity at a user. Returns a typed error when the
// identity is already linked elsewhere.
func LinkIdentity(ctx context.Context, client store.Client, key string, userID int64) error {
	ident, err := GetIdentity(ctx, client, key)
	if err != nil {
		return err
	}
	if ident != nil && ident.UserID != 0 && ident.UserID != userID {
		return vferrors.AlreadyExists(vferrors.IDAlreadyLinked,
			"identity %s is already linked to another account", key)
	}
	canonical, _ := CanonicalizeIdentityKey(key)
	_, err = client.UpdateItem(ctx, store.TableIdentity, identityKey(canonical), map[string]store.Update{
		"linked_user_id": store.Put(store.Number(userID)),
	}, nil)
	return err
}

// UnlinkIdentity clears the identity's user link.
func UnlinkIdentity(ctx context.Context, client store.Client, key string) error {
	canonical, err := CanonicalizeIdentityKey(key)
	if err != nil {
		return err
	}
	_, err = client.UpdateItem(ctx, store.TableIdentity, identityKey(canonical), map[string]store.Update{
		"linked_user_id": store.Delete(),
	}, nil)
	return err
}
