// Package idcodec implements the asset id encoding used for all durable
// entity keys. Ids are opaque strings whose byte-lexicographic order matches
// the order of the values they encode, which is what makes chronological
// range scans over the key-value store possible.
package idcodec

import (
	"encoding/base64"
	"fmt"
)

// B64HexAlphabet is standard base64 with the alphabet remapped so that the
// byte-lexicographic order of encoded strings equals the order of the decoded
// bytes. Modeled on the "extended hex" alphabet of RFC 4648. The alphabet is
// its own sorted form; this is asserted by tests.
const B64HexAlphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

var (
	b64hex      = base64.NewEncoding(B64HexAlphabet).Strict()
	b64hexNoPad = base64.NewEncoding(B64HexAlphabet).WithPadding(base64.NoPadding).Strict()
)

// B64HexEncode encodes b with padding.
func B64HexEncode(b []byte) string {
	return b64hex.EncodeToString(b)
}

// B64HexEncodeNoPad encodes b with the trailing padding stripped.
func B64HexEncodeNoPad(b []byte) string {
	return b64hexNoPad.EncodeToString(b)
}

// B64HexDecode decodes a padded b64hex string. Non-alphabet characters or
// incorrect padding produce an error.
func B64HexDecode(s string) ([]byte, error) {
	b, err := b64hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("b64hex: %w", err)
	}
	return b, nil
}

// B64HexDecodeNoPad decodes a b64hex string whose padding was stripped at
// encode time.
func B64HexDecodeNoPad(s string) ([]byte, error) {
	b, err := b64hexNoPad.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("b64hex: %w", err)
	}
	return b, nil
}
