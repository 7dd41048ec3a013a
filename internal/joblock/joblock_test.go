package joblock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLockerContract(t *testing.T, l Locker) {
	ctx := context.Background()

	t.Run("exclusive until released", func(t *testing.T) {
		key := uuid.NewString()
		release, err := l.TryAcquire(ctx, key)
		require.NoError(t, err)

		_, err = l.TryAcquire(ctx, key)
		assert.ErrorIs(t, err, ErrHeld)

		held, err := l.Held(ctx, key)
		require.NoError(t, err)
		assert.True(t, held)

		release()
		release() // idempotent

		held, err = l.Held(ctx, key)
		require.NoError(t, err)
		assert.False(t, held)

		again, err := l.TryAcquire(ctx, key)
		require.NoError(t, err)
		again()
	})

	t.Run("keys are independent", func(t *testing.T) {
		a, err := l.TryAcquire(ctx, uuid.NewString())
		require.NoError(t, err)
		defer a()
		b, err := l.TryAcquire(ctx, uuid.NewString())
		require.NoError(t, err)
		defer b()
	})

	t.Run("one winner among concurrent callers", func(t *testing.T) {
		key := uuid.NewString()
		var wins atomic.Int32
		var wg sync.WaitGroup
		releases := make(chan func(), 16)

		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := l.TryAcquire(ctx, key)
				if err == nil {
					wins.Add(1)
					releases <- release
				}
			}()
		}
		wg.Wait()
		close(releases)
		for release := range releases {
			release()
		}

		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestLocal(t *testing.T) {
	runLockerContract(t, NewLocal())
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("STORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STORE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()

	runLockerContract(t, NewRedis(client, time.Minute))
}

func TestRedis_StaleHolderCannotReleaseNewLock(t *testing.T) {
	addr := os.Getenv("STORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STORE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()

	l := NewRedis(client, 50*time.Millisecond)
	key := uuid.NewString()

	stale, err := l.TryAcquire(ctx, key)
	require.NoError(t, err)
	// the holder stalled long enough for its key to expire
	require.NoError(t, client.Del(ctx, lockKey(key)).Err())

	fresh, err := l.TryAcquire(ctx, key)
	require.NoError(t, err)
	defer fresh()

	stale()
	held, err := l.Held(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRedis_HeldLockOutlivesTTL(t *testing.T) {
	addr := os.Getenv("STORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STORE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()

	l := NewRedis(client, 60*time.Millisecond)
	key := uuid.NewString()

	release, err := l.TryAcquire(ctx, key)
	require.NoError(t, err)
	time.Sleep(250 * time.Millisecond)

	_, err = l.TryAcquire(ctx, key)
	assert.ErrorIs(t, err, ErrHeld)

	release()
	time.Sleep(100 * time.Millisecond)
	held, err := l.Held(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestHeartbeat_RenewsUntilStopped(t *testing.T) {
	var calls atomic.Int32
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		heartbeat(stop, 5*time.Millisecond, func() (bool, error) {
			calls.Add(1)
			return true, nil
		}, "b-1")
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
}

func TestHeartbeat_StopsWhenLockLost(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		heartbeat(make(chan struct{}), 5*time.Millisecond, func() (bool, error) {
			return calls.Add(1) < 2, nil
		}, "b-2")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat kept renewing a lost lock")
	}
	assert.Equal(t, int32(2), calls.Load())
}
