package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewfinderco/viewfinder/internal/model"
	"github.com/viewfinderco/viewfinder/internal/store"
)

func TestParsePushToken(t *testing.T) {
	tok, err := ParsePushToken("apns-prod:abc123==")
	require.NoError(t, err)
	assert.Equal(t, "apns", tok.Scheme)
	assert.Equal(t, "prod", tok.Env)
	assert.Equal(t, "abc123==", tok.Opaque)

	for _, bad := range []string{"", "apns:abc", "apns-staging:abc", "fcm-prod:abc", "apns-prod:"} {
		_, err := ParsePushToken(bad)
		assert.Error(t, err, "token %q", bad)
	}
}

func TestDispatcherBatchesAndFlushes(t *testing.T) {
	ctx := context.Background()
	rec := &PushRecorder{}
	d := NewPushDispatcher(rec, store.NewMemory(), nil, 1000, time.Hour)

	d.Enqueue("apns-prod:t1", "hello", 1, "default")
	d.Enqueue("apns-dev:t2", "hello", 2, "")
	d.Enqueue("gcm-prod:t3", "hello", 3, "")
	d.Enqueue("bogus", "dropped", 0, "")

	d.Flush(ctx)
	msgs := rec.Messages()
	assert.Len(t, msgs, 3)

	// Second flush with an empty buffer sends nothing more.
	d.Flush(ctx)
	assert.Len(t, rec.Messages(), 3)
}

func TestFeedbackInvalidatesTokens(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory()
	dead := "apns-prod:deadtoken"

	require.NoError(t, model.PutDevice(ctx, client, &model.Device{
		UserID: 1, DeviceID: 10, Platform: "ios",
	}))
	require.NoError(t, model.ClaimPushToken(ctx, client, 1, 10, dead))

	dev, err := model.GetDevice(ctx, client, 1, 10)
	require.NoError(t, err)
	require.Equal(t, dead, dev.PushToken)
	require.Equal(t, int64(1), dev.AlertUserID)

	rec := &PushRecorder{}
	rec.ReportDead(dead)
	d := NewPushDispatcher(rec, client, nil, 1000, time.Hour)
	d.consumeFeedback(ctx)

	dev, err = model.GetDevice(ctx, client, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, dev.PushToken)
	assert.Zero(t, dev.AlertUserID)
}

func TestClaimPushTokenStealsFromPriorDevice(t *testing.T) {
	ctx := context.Background()
	client := store.NewMemory()
	token := "apns-prod:shared"

	require.NoError(t, model.PutDevice(ctx, client, &model.Device{UserID: 1, DeviceID: 10}))
	require.NoError(t, model.PutDevice(ctx, client, &model.Device{UserID: 2, DeviceID: 20}))

	require.NoError(t, model.ClaimPushToken(ctx, client, 1, 10, token))
	require.NoError(t, model.ClaimPushToken(ctx, client, 2, 20, token))

	prior, err := model.GetDevice(ctx, client, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, prior.PushToken)

	current, err := model.GetDevice(ctx, client, 2, 20)
	require.NoError(t, err)
	assert.Equal(t, token, current.PushToken)
	assert.Equal(t, int64(2), current.AlertUserID)
}
