package idcodec

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlphabetSorted(t *testing.T) {
	chars := []byte(B64HexAlphabet)
	assert.True(t, sort.SliceIsSorted(chars, func(i, j int) bool { return chars[i] < chars[j] }))
	assert.Len(t, chars, 64)
}

// Known-answer vectors produced by the reference implementation.
func TestKnownValues(t *testing.T) {
	data := []struct {
		raw     []byte
		encoded string
	}{
		{[]byte{}, ""},
		{[]byte{0xf9}, "yF=="},
		{[]byte{0x2a, 0xc9}, "9gZ="},
		{[]byte{0x54, 0xe7, 0x60}, "KDSV"},
		{[]byte{0xd2, 0xe9, 0x48, 0x0c}, "oi_72-=="},
		{[]byte{0x4b, 0x84, 0x03, 0xeb, 0xe8}, "HsF2uyV="},
		{[]byte{0xeb, 0x6c, 0xe5, 0xa3, 0xa3, 0xf8}, "uqn_cuEs"},
		{[]byte{0x04, 0x88, 0x79, 0x52, 0xef, 0xa1, 0x4d}, "07WtJiyWIF=="},
		{[]byte{0x68, 0x8c, 0xa2, 0xb8, 0x68, 0x8c, 0x19, 0x76}, "P7mXi5XB5MN="},
		{[]byte{0x06, 0xc7, 0x5f, 0x4d, 0x19, 0x24, 0x88, 0x76, 0xb4}, "0gSUIGZZX6Po"},
		{[]byte{0x1d, 0xab, 0xef, 0x49, 0xf7, 0x7f, 0x59, 0xa4, 0x0d, 0xe8}, "6PjjHUSzLPFCu-=="},
		{[]byte{0xa4, 0x3d, 0xe6, 0x1b, 0x00, 0xb1, 0x0d, 0xba, 0xcc, 0xca, 0xf4}, "d2ra5k1l2QfBmjF="},
		{[]byte{0xd7, 0xac, 0xa8, 0x97, 0xc2, 0x14, 0x16, 0x29, 0xf5, 0x22, 0xc8, 0x64}, "pumc_w7J4Xbp7gWZ"},
		{[]byte{0xab, 0xb3, 0x25, 0xd3, 0x26, 0x49, 0xfd, 0x9c, 0x63, 0x91, 0x17, 0xd7, 0xdf}, "evB_omO8zOlYZGUMrk=="},
	}
	for _, d := range data {
		assert.Equal(t, d.encoded, B64HexEncode(d.raw))
		dec, err := B64HexDecode(d.encoded)
		require.NoError(t, err)
		assert.Equal(t, d.raw, dec)

		stripped := trimPad(d.encoded)
		assert.Equal(t, stripped, B64HexEncodeNoPad(d.raw))
		dec, err = B64HexDecodeNoPad(stripped)
		require.NoError(t, err)
		assert.Equal(t, d.raw, dec)
	}
}

func trimPad(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}

func TestEncodeDecodeRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		s := randomBytes(rng)
		enc := B64HexEncode(s)
		dec, err := B64HexDecode(enc)
		require.NoError(t, err)
		assert.Equal(t, s, dec)
	}
}

// For all byte strings s1, s2: s1 < s2 iff encode(s1) < encode(s2).
func TestSortOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 1000; i++ {
		s1 := randomBytes(rng)
		s2 := randomBytes(rng)
		enc1 := B64HexEncode(s1)
		enc2 := B64HexEncode(s2)
		assert.Equal(t, string(s1) < string(s2), enc1 < enc2,
			"s1=%x s2=%x enc1=%s enc2=%s", s1, s2, enc1, enc2)
	}
}

// Multiples of 6 bytes avoid padding so the comparison is exact.
func randomBytes(rng *rand.Rand) []byte {
	b := make([]byte, (rng.Intn(10)+1)*6)
	for i := range b {
		b[i] = byte(rng.Intn(256))
	}
	return b
}

func TestInvalidDecode(t *testing.T) {
	_, err := B64HexDecode("@")
	assert.Error(t, err)
	// Padding where none is needed.
	_, err = B64HexDecode("RV_3SDFO=")
	assert.Error(t, err)
	// Wrong amount of padding.
	_, err = B64HexDecode("RV_3SDFO==")
	assert.Error(t, err)
}
