package scansync

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInvalidator(t *testing.T) (*RedisInvalidator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	inv, err := NewRedisInvalidator(client, testLogger())
	require.NoError(t, err)
	return inv, mr
}

func TestRedisInvalidator_DropsKeys(t *testing.T) {
	inv, mr := newTestInvalidator(t)

	require.NoError(t, mr.Set(CacheKeyKumbaras, `[{"id":"kmb_1"}]`))
	require.NoError(t, mr.Set(CacheKeyDashboardStats, `{"total":12}`))
	require.NoError(t, mr.Set("unrelated:key", "stays"))

	inv.Invalidate(context.Background(), CacheKeyKumbaras, CacheKeyDonations, CacheKeyDashboardStats)

	assert.False(t, mr.Exists(CacheKeyKumbaras))
	assert.False(t, mr.Exists(CacheKeyDashboardStats))
	assert.True(t, mr.Exists("unrelated:key"))
}

func TestRedisInvalidator_MissingKeyIsFine(t *testing.T) {
	inv, _ := newTestInvalidator(t)

	// Must not raise or panic when nothing is cached yet.
	inv.Invalidate(context.Background(), CacheKeyDonations)
}

func TestNewRedisInvalidator_Unreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the 15s connect backoff")
	}
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	_, err := NewRedisInvalidator(client, testLogger())
	require.Error(t, err)
}
