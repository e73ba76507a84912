package lease

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runManagerTests(t *testing.T, newManager func(t *testing.T) Manager) {
	t.Run("acquire_conflict_release", func(t *testing.T) {
		ctx := context.Background()
		m := newManager(t)

		l, err := m.Acquire(ctx, "repo-1", time.Minute)
		require.NoError(t, err)
		require.NotEmpty(t, l.Token)
		assert.Equal(t, "repo-1", l.Key)

		_, err = m.Acquire(ctx, "repo-1", time.Minute)
		require.ErrorIs(t, err, ErrConflict)

		other, err := m.Acquire(ctx, "repo-2", time.Minute)
		require.NoError(t, err)
		require.NoError(t, m.Release(ctx, other))

		require.NoError(t, m.Release(ctx, l))
		_, err = m.Acquire(ctx, "repo-1", time.Minute)
		require.NoError(t, err)
	})

	t.Run("renew_extends", func(t *testing.T) {
		ctx := context.Background()
		m := newManager(t)

		l, err := m.Acquire(ctx, "repo-1", time.Second)
		require.NoError(t, err)
		renewed, err := m.Renew(ctx, l, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, l.Token, renewed.Token)
		assert.True(t, renewed.ExpiresAt.After(l.ExpiresAt))
	})

	t.Run("release_requires_matching_token", func(t *testing.T) {
		ctx := context.Background()
		m := newManager(t)

		l, err := m.Acquire(ctx, "repo-1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, m.Release(ctx, &Lease{Key: "repo-1", Token: "not-the-token"}))
		_, err = m.Acquire(ctx, "repo-1", time.Minute)
		require.ErrorIs(t, err, ErrConflict)

		_, err = m.Renew(ctx, &Lease{Key: "repo-1", Token: "not-the-token"}, time.Minute)
		require.ErrorIs(t, err, ErrConflict)

		require.NoError(t, m.Release(ctx, l))
	})

	t.Run("release_ignores_cancelled_context", func(t *testing.T) {
		m := newManager(t)
		l, err := m.Acquire(context.Background(), "repo-1", time.Minute)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, m.Release(ctx, l))

		_, err = m.Acquire(context.Background(), "repo-1", time.Minute)
		require.NoError(t, err)
	})

	t.Run("invalid_input", func(t *testing.T) {
		ctx := context.Background()
		m := newManager(t)

		_, err := m.Acquire(ctx, "", time.Minute)
		require.Error(t, err)
		_, err = m.Renew(ctx, nil, time.Minute)
		require.Error(t, err)
		require.NoError(t, m.Release(ctx, nil))
	})
}

func TestMemory(t *testing.T) {
	runManagerTests(t, func(t *testing.T) Manager { return NewMemory() })
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	l, err := m.Acquire(ctx, "repo-1", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)

	_, err = m.Renew(ctx, l, time.Second)
	require.ErrorIs(t, err, ErrConflict)

	next, err := m.Acquire(ctx, "repo-1", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, l.Token, next.Token)

	// The stale holder must not drop the new lease.
	require.NoError(t, m.Release(ctx, l))
	_, err = m.Acquire(ctx, "repo-1", time.Second)
	require.ErrorIs(t, err, ErrConflict)
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m, err := NewRedis(client, "test:lease:")
	require.NoError(t, err)
	return m, mr
}

func TestRedis(t *testing.T) {
	runManagerTests(t, func(t *testing.T) Manager {
		m, _ := newTestRedis(t)
		return m
	})
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestRedis(t)

	l, err := m.Acquire(ctx, "repo-1", 500*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lease:repo-1"))

	mr.FastForward(2 * time.Second)

	_, err = m.Renew(ctx, l, time.Second)
	require.ErrorIs(t, err, ErrConflict)
	_, err = m.Acquire(ctx, "repo-1", time.Second)
	require.NoError(t, err)
}

func TestNewRedisDefaults(t *testing.T) {
	_, err := NewRedis(nil, "")
	require.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	m, err := NewRedis(client, "  ")
	require.NoError(t, err)
	assert.Equal(t, DefaultRedisPrefix, m.Prefix)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := DialRedis(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	_, err = m.Acquire(context.Background(), "repo-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists(DefaultRedisPrefix+"repo-1"))
}
