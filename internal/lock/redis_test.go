package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLocker(t *testing.T) *RedisLocker {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 14})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisLocker(client, "mentwel:test:"+uuid.NewString()+":", 5*time.Second)
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	l := newTestRedisLocker(t)

	release, err := l.Lock(context.Background(), "user:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "user:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	r, err := l.Lock(context.Background(), "user:1")
	require.NoError(t, err)
	r()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	l := newTestRedisLocker(t)
	ctx := context.Background()

	release, err := l.Lock(ctx, "user:2")
	require.NoError(t, err)

	// Simulate the key expiring and being taken over by someone else.
	key := l.prefix + "user:2"
	require.NoError(t, l.client.Set(ctx, key, "someone-else", time.Minute).Err())
	release()

	val, err := l.client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
	require.NoError(t, l.client.Del(ctx, key).Err())
}

func TestRedisLockerRenewsWhileHeld(t *testing.T) {
	base := newTestRedisLocker(t)
	l := NewRedisLocker(base.client, base.prefix, 300*time.Millisecond)
	ctx := context.Background()

	release, err := l.Lock(ctx, "therapist:1:2025-03-05")
	require.NoError(t, err)

	// Held for several TTLs: the key must still be ours.
	time.Sleep(time.Second)
	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx2, "therapist:1:2025-03-05")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	exists, err := l.client.Exists(ctx, l.prefix+"therapist:1:2025-03-05").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
