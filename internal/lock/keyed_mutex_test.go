package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSortsAndDeduplicates(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, normalize([]string{"c", "a", "", "b", "a"}))
	assert.Empty(t, normalize(nil))
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Lock(ctx, "user:1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, m.keys)
}

func TestKeyedMutexDisjointKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	release, err := m.Lock(ctx, "user:1")
	require.NoError(t, err)
	defer release()

	done := make(chan struct{})
	go func() {
		r, err := m.Lock(ctx, "user:2")
		assert.NoError(t, err)
		r()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on an unrelated key blocked")
	}
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	m := NewKeyedMutex()

	release, err := m.Lock(context.Background(), "therapist:1:2025-01-01")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "user:9", "therapist:1:2025-01-01")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	// user:9 must have been released by the failed attempt.
	r, err := m.Lock(context.Background(), "user:9")
	require.NoError(t, err)
	r()
	assert.Empty(t, m.keys)
}

func TestKeyedMutexReleaseIsIdempotent(t *testing.T) {
	m := NewKeyedMutex()
	release, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)
	release()
	release()

	r, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)
	r()
}
