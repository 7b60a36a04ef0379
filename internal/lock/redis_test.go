package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	return mr, client
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "", Options{StaleAfter: time.Minute})

	lease, err := l.Acquire(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("classify:lock:job-1"))
	assert.Equal(t, time.Minute, mr.TTL("classify:lock:job-1"))

	holder, err := l.Holder(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, lease.OwnerID, holder.OwnerID)

	require.NoError(t, l.Release(ctx, lease))
	assert.False(t, mr.Exists("classify:lock:job-1"))
}

func TestRedisLocker_Contention(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)

	_, err := NewRedisLocker(client, "", Options{}).Acquire(ctx, "job-1")
	require.NoError(t, err)

	_, err = NewRedisLocker(client, "", Options{}).Acquire(ctx, "job-1")
	assert.ErrorIs(t, err, ErrContention)
}

func TestRedisLocker_ExpiredLeaseReacquired(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)

	first := NewRedisLocker(client, "", Options{StaleAfter: time.Minute})
	lease, err := first.Acquire(ctx, "job-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	second := NewRedisLocker(client, "", Options{StaleAfter: time.Minute})
	_, err = second.Acquire(ctx, "job-1")
	require.NoError(t, err)

	assert.ErrorIs(t, first.Refresh(ctx, lease), ErrNotHeld)
	require.NoError(t, first.Release(ctx, lease))
	assert.True(t, mr.Exists("classify:lock:job-1"))
}

func TestRedisLocker_RefreshExtendsTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "test:", Options{StaleAfter: time.Minute})

	lease, err := l.Acquire(ctx, "job-1")
	require.NoError(t, err)

	mr.FastForward(40 * time.Second)
	require.NoError(t, l.Refresh(ctx, lease))
	assert.Equal(t, time.Minute, mr.TTL("test:job-1"))
}

func TestRedisLocker_ForceAndUnlock(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)

	_, err := NewRedisLocker(client, "", Options{}).Acquire(ctx, "job-1")
	require.NoError(t, err)

	forced := NewRedisLocker(client, "", Options{Force: true})
	_, err = forced.Acquire(ctx, "job-1")
	require.NoError(t, err)

	ok, err := forced.Unlock(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("classify:lock:job-1"))

	holder, err := forced.Holder(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, holder)
}
