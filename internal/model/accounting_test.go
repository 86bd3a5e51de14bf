package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewfinderco/viewfinder/internal/store"
)

// Multiple applies for the same operation id must increment the stats once.
func TestAccountingOperationReplay(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory()

	apply := func(opID string) {
		accum := NewAccumulator()
		accum.SharePhotos(1, "v1", 1000, 1)
		require.NoError(t, accum.Apply(ctx, client, opID))
	}

	apply("o1")
	h, s := ViewpointScope("v1")
	acct, err := GetAccounting(ctx, client, h, s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.NumPhotos)
	assert.Equal(t, int64(1000), acct.SizeBytes)

	// Replay of the same operation is a no-op.
	apply("o1")
	acct, err = GetAccounting(ctx, client, h, s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.NumPhotos)

	// A new operation applies.
	apply("o2")
	acct, err = GetAccounting(ctx, client, h, s)
	require.NoError(t, err)
	assert.Equal(t, int64(2), acct.NumPhotos)
	assert.Equal(t, int64(2000), acct.SizeBytes)

	// The shared-by scope tracked both operations too.
	h, s = SharedByScope(1, "v1")
	acct, err = GetAccounting(ctx, client, h, s)
	require.NoError(t, err)
	assert.Equal(t, int64(2), acct.NumPhotos)
}

func TestAccountingOpIDsCap(t *testing.T) {
	csv := ""
	for i := 0; i < opIDsCap+10; i++ {
		csv = appendOpID(csv, "o"+string(rune('a'+i%26))+string(rune('0'+i%10)))
	}
	assert.LessOrEqual(t, len(splitCSV(csv)), opIDsCap)
}

func splitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			out = append(out, csv[start:i])
			start = i + 1
		}
	}
	return out
}

func TestAccountingNegativeDeltas(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory()

	accum := NewAccumulator()
	accum.UploadPhotos(7, 5000, 5)
	require.NoError(t, accum.Apply(ctx, client, "o1"))

	accum = NewAccumulator()
	accum.RemovePhotos(7, "v7", 2000, 2)
	require.NoError(t, accum.Apply(ctx, client, "o2"))

	h, s := UserOwnedScope(7)
	acct, err := GetAccounting(ctx, client, h, s)
	require.NoError(t, err)
	assert.Equal(t, int64(3), acct.NumPhotos)
	assert.Equal(t, int64(3000), acct.SizeBytes)
}
