package idcodec

import (
	"bytes"
	"fmt"
)

// Single-letter prefixes identifying the asset type of an id. The prefix is
// outside the encoded payload so that ids of one type range-scan together.
const (
	PrefixActivity  = "a"
	PrefixComment   = "c"
	PrefixEpisode   = "e"
	PrefixOperation = "o"
	PrefixPhoto     = "p"
	PrefixPost      = "t"
	PrefixViewpoint = "v"
)

// maxTimestamp is the largest timestamp representable in the 5-byte prefix.
const maxTimestamp = 1<<40 - 1

// Uniquifier distinguishes assets created at the same timestamp by the same
// device. LocalID is the device-local sequence number; Tag optionally carries
// arbitrary bytes (e.g. a client-supplied asset key).
type Uniquifier struct {
	LocalID uint64
	Tag     []byte
}

// packOrderedUvarint encodes n as a length byte followed by the minimal
// big-endian representation. Shorter encodings sort before longer ones and
// same-length encodings sort numerically, so encoded values order the same
// as the integers they represent.
func packOrderedUvarint(buf *bytes.Buffer, n uint64) {
	var tmp [8]byte
	i := 8
	for {
		i--
		tmp[i] = byte(n)
		n >>= 8
		if n == 0 {
			break
		}
	}
	buf.WriteByte(byte(8 - i))
	buf.Write(tmp[i:])
}

// unpackOrderedUvarint reads a value written by packOrderedUvarint, returning
// the value and the number of bytes consumed.
func unpackOrderedUvarint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("idcodec: truncated varint")
	}
	n := int(b[0])
	if n < 1 || n > 8 || len(b) < 1+n {
		return 0, 0, fmt.Errorf("idcodec: invalid varint length %d", n)
	}
	var v uint64
	for _, c := range b[1 : 1+n] {
		v = v<<8 | uint64(c)
	}
	return v, 1 + n, nil
}

// ConstructTimestampAssetID builds a timestamp-prefixed asset id. When
// reverseTS is true the timestamp is complemented so that newer assets sort
// first; photos and episodes use this so that range scans return the most
// recent assets at the head.
func ConstructTimestampAssetID(prefix string, timestamp uint64, deviceID uint64, uniq Uniquifier, reverseTS bool) string {
	if timestamp > maxTimestamp {
		timestamp = maxTimestamp
	}
	ts := timestamp
	if reverseTS {
		ts = maxTimestamp - timestamp
	}
	var buf bytes.Buffer
	for shift := 32; shift >= 0; shift -= 8 {
		buf.WriteByte(byte(ts >> uint(shift)))
	}
	packOrderedUvarint(&buf, deviceID)
	packOrderedUvarint(&buf, uniq.LocalID)
	buf.Write(uniq.Tag)
	return prefix + B64HexEncodeNoPad(buf.Bytes())
}

// DeconstructTimestampAssetID is the exact inverse of
// ConstructTimestampAssetID for all integer ranges and tag byte strings.
func DeconstructTimestampAssetID(prefix, assetID string, reverseTS bool) (uint64, uint64, Uniquifier, error) {
	payload, err := checkPrefix(prefix, assetID)
	if err != nil {
		return 0, 0, Uniquifier{}, err
	}
	b, err := B64HexDecodeNoPad(payload)
	if err != nil {
		return 0, 0, Uniquifier{}, err
	}
	if len(b) < 5 {
		return 0, 0, Uniquifier{}, fmt.Errorf("idcodec: id %q too short", assetID)
	}
	var ts uint64
	for _, c := range b[:5] {
		ts = ts<<8 | uint64(c)
	}
	if reverseTS {
		ts = maxTimestamp - ts
	}
	deviceID, n, err := unpackOrderedUvarint(b[5:])
	if err != nil {
		return 0, 0, Uniquifier{}, err
	}
	uniq, err := unpackUniquifier(b[5+n:])
	if err != nil {
		return 0, 0, Uniquifier{}, err
	}
	return ts, deviceID, uniq, nil
}

// ConstructDeviceAssetID builds an id with no timestamp component, used for
// operations and viewpoints. The payload is self-delimiting, so no structural
// separator is required between the device and local parts.
func ConstructDeviceAssetID(prefix string, deviceID uint64, uniq Uniquifier) string {
	var buf bytes.Buffer
	packOrderedUvarint(&buf, deviceID)
	packOrderedUvarint(&buf, uniq.LocalID)
	buf.Write(uniq.Tag)
	return prefix + B64HexEncodeNoPad(buf.Bytes())
}

// DeconstructDeviceAssetID is the inverse of ConstructDeviceAssetID.
func DeconstructDeviceAssetID(prefix, assetID string) (uint64, Uniquifier, error) {
	payload, err := checkPrefix(prefix, assetID)
	if err != nil {
		return 0, Uniquifier{}, err
	}
	b, err := B64HexDecodeNoPad(payload)
	if err != nil {
		return 0, Uniquifier{}, err
	}
	deviceID, n, err := unpackOrderedUvarint(b)
	if err != nil {
		return 0, Uniquifier{}, err
	}
	uniq, err := unpackUniquifier(b[n:])
	if err != nil {
		return 0, Uniquifier{}, err
	}
	return deviceID, uniq, nil
}

func unpackUniquifier(b []byte) (Uniquifier, error) {
	localID, n, err := unpackOrderedUvarint(b)
	if err != nil {
		return Uniquifier{}, err
	}
	uniq := Uniquifier{LocalID: localID}
	if len(b) > n {
		uniq.Tag = append([]byte(nil), b[n:]...)
	}
	return uniq, nil
}

func checkPrefix(prefix, assetID string) (string, error) {
	if len(assetID) <= len(prefix) || assetID[:len(prefix)] != prefix {
		return "", fmt.Errorf("idcodec: id %q does not carry prefix %q", assetID, prefix)
	}
	return assetID[len(prefix):], nil
}
