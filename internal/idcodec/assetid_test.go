package idcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampAssetIDRoundTrip(t *testing.T) {
	cases := []struct {
		timestamp uint64
		deviceID  uint64
		uniq      Uniquifier
	}{
		{0, 0, Uniquifier{}},
		{1234234, 127, Uniquifier{LocalID: 128}},
		{1357924680, 128, Uniquifier{LocalID: 127}},
		{1357924680, 128, Uniquifier{LocalID: 128}},
		{1357924680, 123512341234, Uniquifier{LocalID: 827348273422}},
		{maxTimestamp, 1<<32 - 1, Uniquifier{LocalID: 1<<32 - 1}},
		{maxTimestamp, 1<<63 - 1, Uniquifier{LocalID: 1<<63 - 1}},
		{0, 0, Uniquifier{Tag: []byte("v1234")}},
		{1234234, 127, Uniquifier{LocalID: 128, Tag: []byte("\n\t\r\b\x00abc123\x1000")}},
		{1357924680, 128, Uniquifier{LocalID: 127, Tag: []byte("1")}},
		{1357924680, 128, Uniquifier{LocalID: 128, Tag: []byte("   ")}},
	}
	for _, reverse := range []bool{false, true} {
		for _, c := range cases {
			id := ConstructTimestampAssetID(PrefixEpisode, c.timestamp, c.deviceID, c.uniq, reverse)
			ts, dev, uniq, err := DeconstructTimestampAssetID(PrefixEpisode, id, reverse)
			require.NoError(t, err, "id=%s", id)
			assert.Equal(t, c.timestamp, ts)
			assert.Equal(t, c.deviceID, dev)
			assert.Equal(t, c.uniq.LocalID, uniq.LocalID)
			assert.Equal(t, c.uniq.Tag, uniq.Tag)
		}
	}
}

func TestDeviceAssetIDRoundTrip(t *testing.T) {
	cases := []struct {
		deviceID uint64
		uniq     Uniquifier
	}{
		{0, Uniquifier{}},
		{127, Uniquifier{LocalID: 128}},
		{128, Uniquifier{LocalID: 127}},
		{128, Uniquifier{LocalID: 128}},
		{123512341234, Uniquifier{LocalID: 827348273422}},
		{1<<63 - 1, Uniquifier{LocalID: 1<<63 - 1}},
		{0, Uniquifier{Tag: []byte("v1234")}},
		{127, Uniquifier{LocalID: 128, Tag: []byte("\n\t\r\b\x00abc123\x1000")}},
	}
	for _, c := range cases {
		id := ConstructDeviceAssetID(PrefixOperation, c.deviceID, c.uniq)
		dev, uniq, err := DeconstructDeviceAssetID(PrefixOperation, id)
		require.NoError(t, err, "id=%s", id)
		assert.Equal(t, c.deviceID, dev)
		assert.Equal(t, c.uniq.LocalID, uniq.LocalID)
		assert.Equal(t, c.uniq.Tag, uniq.Tag)
	}
}

// Ids allocated from a monotonic sequence on the same device must sort in
// allocation order; this is what gives the operation queue its FIFO order.
func TestDeviceAssetIDOrdering(t *testing.T) {
	var prev string
	for _, localID := range []uint64{0, 1, 2, 127, 128, 255, 256, 65535, 65536, 1 << 24, 1 << 32, 1 << 40} {
		id := ConstructDeviceAssetID(PrefixOperation, 42, Uniquifier{LocalID: localID})
		if prev != "" {
			assert.Less(t, prev, id, "local_id=%d", localID)
		}
		prev = id
	}
}

func TestTimestampOrdering(t *testing.T) {
	older := ConstructTimestampAssetID(PrefixComment, 1000, 1, Uniquifier{LocalID: 1}, false)
	newer := ConstructTimestampAssetID(PrefixComment, 2000, 1, Uniquifier{LocalID: 1}, false)
	assert.Less(t, older, newer)

	// Reversed timestamps sort newest first.
	olderRev := ConstructTimestampAssetID(PrefixPhoto, 1000, 1, Uniquifier{LocalID: 1}, true)
	newerRev := ConstructTimestampAssetID(PrefixPhoto, 2000, 1, Uniquifier{LocalID: 1}, true)
	assert.Less(t, newerRev, olderRev)
}

func TestDeconstructRejectsWrongPrefix(t *testing.T) {
	id := ConstructDeviceAssetID(PrefixViewpoint, 1, Uniquifier{LocalID: 1})
	_, _, err := DeconstructDeviceAssetID(PrefixOperation, id)
	assert.Error(t, err)

	_, _, _, err = DeconstructTimestampAssetID(PrefixEpisode, "", false)
	assert.Error(t, err)
}
