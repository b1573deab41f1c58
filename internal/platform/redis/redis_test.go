package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/phrazzld/relay-api/internal/config"
	"github.com/phrazzld/relay-api/internal/lock"
	relayredis "github.com/phrazzld/relay-api/internal/platform/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestConnect(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client, err := relayredis.Connect(context.Background(), config.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = relayredis.Connect(context.Background(), config.RedisConfig{URL: "not a url"})
	assert.Error(t, err)
}

func TestLocker(t *testing.T) {
	t.Parallel()

	mr, client := newRedis(t)
	l := relayredis.NewLocker(client, "relay:")
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "finalize:1", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("relay:lock:finalize:1"))
	assert.Equal(t, 10*time.Minute, mr.TTL("relay:lock:finalize:1"))

	_, err = l.Acquire(ctx, "finalize:1", time.Minute)
	assert.ErrorIs(t, err, lock.ErrHeld)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("relay:lock:finalize:1"))

	_, err = l.Acquire(ctx, "finalize:1", time.Minute)
	require.NoError(t, err)
}

func TestLockerReleaseKeepsForeignOwner(t *testing.T) {
	t.Parallel()

	mr, client := newRedis(t)
	l := relayredis.NewLocker(client, "relay:")
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "poll:1", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = l.Acquire(ctx, "poll:1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("relay:lock:poll:1"))
}

func TestLockerTransportError(t *testing.T) {
	t.Parallel()

	mr, client := newRedis(t)
	l := relayredis.NewLocker(client, "relay:")
	mr.Close()

	_, err := l.Acquire(context.Background(), "arm:1", time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, lock.ErrHeld)
}

func TestQueue(t *testing.T) {
	t.Parallel()

	_, client := newRedis(t)
	q := relayredis.NewQueue(client, "relay:")
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, q.Push(ctx, "a", now.Add(10*time.Second)))
	require.NoError(t, q.Push(ctx, "a", now.Add(time.Minute)))
	require.NoError(t, q.Push(ctx, "b", now.Add(5*time.Second)))
	require.NoError(t, q.Push(ctx, "c", now.Add(time.Hour)))

	due, err := q.PopDue(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, due)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	due, err = q.PopDue(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestQueuePopDueRespectsLimit(t *testing.T) {
	t.Parallel()

	_, client := newRedis(t)
	q := relayredis.NewQueue(client, "relay:")
	ctx := context.Background()
	now := time.Now()

	for _, m := range []string{"x", "y", "z"} {
		require.NoError(t, q.Push(ctx, m, now.Add(-time.Second)))
	}
	due, err := q.PopDue(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	due, err = q.PopDue(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
