package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisEventLog(t *testing.T) (*RedisEventLog, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisEventLog(client, time.Hour), mr
}

func TestRedisEventLog_ClaimCompleteCycle(t *testing.T) {
	log, mr := newRedisEventLog(t)
	ctx := context.Background()

	ok, err := log.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = log.Claim(ctx, "evt_1")
	assert.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, log.Complete(ctx, "evt_1"))
	got, err := mr.Get("webhook:event:evt_1")
	require.NoError(t, err)
	assert.Equal(t, stateDone, got)

	ok, err = log.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisEventLog_ReleaseAllowsRetry(t *testing.T) {
	log, _ := newRedisEventLog(t)
	ctx := context.Background()

	_, err := log.Claim(ctx, "evt_1")
	require.NoError(t, err)
	require.NoError(t, log.Release(ctx, "evt_1"))

	ok, err := log.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisEventLog_ReleaseKeepsCompletedEvents(t *testing.T) {
	log, _ := newRedisEventLog(t)
	ctx := context.Background()

	_, err := log.Claim(ctx, "evt_1")
	require.NoError(t, err)
	require.NoError(t, log.Complete(ctx, "evt_1"))
	require.NoError(t, log.Release(ctx, "evt_1"))

	ok, err := log.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisEventLog_Expiry(t *testing.T) {
	log, mr := newRedisEventLog(t)
	ctx := context.Background()

	_, err := log.Claim(ctx, "evt_abandoned")
	require.NoError(t, err)
	mr.FastForward(defaultClaimTTL + time.Second)

	ok, err := log.Claim(ctx, "evt_abandoned")
	require.NoError(t, err)
	assert.True(t, ok, "an abandoned claim expires")

	require.NoError(t, log.Complete(ctx, "evt_abandoned"))
	mr.FastForward(time.Hour + time.Second)

	ok, err = log.Claim(ctx, "evt_abandoned")
	require.NoError(t, err)
	assert.True(t, ok, "completed events are forgotten after the retention period")
}

func TestRedisEventLog_ConnectionError(t *testing.T) {
	log, mr := newRedisEventLog(t)
	mr.Close()

	_, err := log.Claim(context.Background(), "evt_1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInFlight)
}

func TestMemoryEventLog(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	log := NewMemoryEventLog(time.Hour)
	log.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := log.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = log.Claim(ctx, "evt_1")
	assert.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, log.Release(ctx, "evt_1"))
	ok, err = log.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, log.Complete(ctx, "evt_1"))
	require.NoError(t, log.Release(ctx, "evt_1"))
	ok, err = log.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Hour + time.Second)
	ok, err = log.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
}
