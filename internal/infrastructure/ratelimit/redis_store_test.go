package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "streamhub:"), mr
}

func TestRedisStore_Take(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()
	p := Policy{Capacity: 3, Period: time.Minute, Persistent: true}

	for i := 0; i < 3; i++ {
		d, err := store.Take(ctx, "rl:tips:u:s", p, epoch.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
		assert.Equal(t, epoch.Add(time.Minute), d.ResetAt)
	}

	d, err := store.Take(ctx, "rl:tips:u:s", p, epoch.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 50*time.Second, d.RetryAfter(epoch.Add(10*time.Second)))

	assert.True(t, mr.Exists("streamhub:rl:tips:u:s"))

	// one period after the first acceptance a slot is free again
	d, err = store.Take(ctx, "rl:tips:u:s", p, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, epoch.Add(time.Second+time.Minute), d.ResetAt)
}

// Two replicas pointed at the same Redis share one bucket.
func TestRedisStore_SharedAcrossInstances(t *testing.T) {
	storeA, mr := setupRedisStore(t)
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientB.Close()
	storeB := NewRedisStore(clientB, "streamhub:")

	ctx := context.Background()
	p := Policy{Capacity: 2, Period: time.Minute}

	d, err := storeA.Take(ctx, "rl:connect:1.2.3.4", p, epoch)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = storeB.Take(ctx, "rl:connect:1.2.3.4", p, epoch.Add(time.Millisecond))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = storeA.Take(ctx, "rl:connect:1.2.3.4", p, epoch.Add(2*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := setupRedisStore(t)
	mr.Close()

	_, err := store.Take(context.Background(), "rl:api:x", Policy{Capacity: 1, Period: time.Second}, epoch)
	assert.Error(t, err)
}
