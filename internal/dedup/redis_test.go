package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return NewRedisClient(cli, ttl, nil), mr
}

var _ Interface = (*Redis)(nil)
var _ Interface = (*Memory)(nil)

func TestRedis_Seen(t *testing.T) {
	d, mr := newTestRedis(t, time.Hour)

	assert.False(t, d.Seen("b1"), "first sighting")
	assert.True(t, d.Seen("b1"), "second sighting")
	assert.False(t, d.Seen("b2"))
	assert.True(t, mr.Exists(keyPrefix+"b1"))
	assert.Equal(t, time.Hour, mr.TTL(keyPrefix+"b1"))
}

func TestRedis_TTL(t *testing.T) {
	d, mr := newTestRedis(t, time.Minute)

	require.False(t, d.Seen("b1"))
	mr.FastForward(2 * time.Minute)
	assert.False(t, d.Seen("b1"), "expired keys are new again")
}

func TestRedis_Forget(t *testing.T) {
	d, _ := newTestRedis(t, time.Hour)

	require.False(t, d.Seen("b1"))
	d.Forget("b1")
	assert.False(t, d.Seen("b1"))
}

func TestRedis_PermissiveOnFailure(t *testing.T) {
	d, mr := newTestRedis(t, time.Hour)
	require.False(t, d.Seen("b1"))

	mr.Close()
	assert.False(t, d.Seen("b1"), "an unreachable redis must not drop batches")
	assert.Error(t, d.Ping(context.Background()))
	assert.EqualValues(t, 1, d.errorCount.Load())
}
