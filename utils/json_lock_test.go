package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &Cache{Client: client, Prefix: "test:"}, mr
}

func testLockOptions() LockOptions {
	return LockOptions{
		TTL:     5 * time.Second,
		Backoff: 5 * time.Millisecond,
		Timeout: 500 * time.Millisecond,
	}
}

type counter struct {
	N int `json:"n"`
}

func TestWithLockCommitsOnSuccess(t *testing.T) {
	cache, mr := newTestCache(t)
	locker := NewLocker(cache, testLockOptions(), zap.NewNop())
	ctx := context.Background()
	key := cache.Key("thing:1:")

	err := locker.WithLock(ctx, key, func(lock *JSONLock) error {
		assert.False(t, lock.Exists())
		lock.SetKey(cache.Key("index:1:"), "1")
		return lock.Set(counter{N: 1})
	})
	require.NoError(t, err)

	got, err := mr.Get("test:thing:1:")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, got)
	idx, err := mr.Get("test:index:1:")
	require.NoError(t, err)
	assert.Equal(t, "1", idx)
	assert.False(t, mr.Exists("test:thing:1:lock:"), "lock must be released")
}

func TestWithLockDiscardsOnError(t *testing.T) {
	cache, mr := newTestCache(t)
	locker := NewLocker(cache, testLockOptions(), zap.NewNop())
	ctx := context.Background()
	key := cache.Key("thing:1:")
	boom := errors.New("boom")

	err := locker.WithLock(ctx, key, func(lock *JSONLock) error {
		require.NoError(t, lock.Set(counter{N: 1}))
		lock.SetKey(cache.Key("index:1:"), "1")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("test:thing:1:"))
	assert.False(t, mr.Exists("test:index:1:"))
	assert.False(t, mr.Exists("test:thing:1:lock:"))
}

func TestWithLockDeleteRemovesValue(t *testing.T) {
	cache, mr := newTestCache(t)
	locker := NewLocker(cache, testLockOptions(), zap.NewNop())
	ctx := context.Background()
	key := cache.Key("thing:1:")
	require.NoError(t, mr.Set("test:thing:1:", `{"n":3}`))
	require.NoError(t, mr.Set("test:index:1:", "1"))

	err := locker.WithLock(ctx, key, func(lock *JSONLock) error {
		var c counter
		found, err := lock.Load(&c)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 3, c.N)
		lock.Delete()
		lock.DeleteKey(cache.Key("index:1:"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("test:thing:1:"))
	assert.False(t, mr.Exists("test:index:1:"))
}

func TestLockSerializesReadModifyWrite(t *testing.T) {
	cache, _ := newTestCache(t)
	opts := testLockOptions()
	opts.Timeout = 5 * time.Second
	locker := NewLocker(cache, opts, zap.NewNop())
	ctx := context.Background()
	key := cache.Key("counter:")

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(ctx, key, func(lock *JSONLock) error {
				var c counter
				if _, err := lock.Load(&c); err != nil {
					return err
				}
				c.N++
				return lock.Set(c)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	err := locker.WithLock(ctx, key, func(lock *JSONLock) error {
		var c counter
		_, err := lock.Load(&c)
		require.NoError(t, err)
		assert.Equal(t, workers, c.N)
		return nil
	})
	require.NoError(t, err)
}

func TestAcquireTimesOutAsConflict(t *testing.T) {
	cache, mr := newTestCache(t)
	opts := testLockOptions()
	opts.Timeout = 50 * time.Millisecond
	locker := NewLocker(cache, opts, zap.NewNop())
	require.NoError(t, mr.Set("test:thing:1:lock:", "someone-else"))

	_, err := locker.Acquire(context.Background(), cache.Key("thing:1:"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReleaseAfterLockLossDropsWrites(t *testing.T) {
	cache, mr := newTestCache(t)
	locker := NewLocker(cache, testLockOptions(), zap.NewNop())
	ctx := context.Background()
	key := cache.Key("thing:1:")

	lock, err := locker.Acquire(ctx, key)
	require.NoError(t, err)
	require.NoError(t, lock.Set(counter{N: 7}))

	// the lock expired and another owner took it
	require.NoError(t, mr.Set("test:thing:1:lock:", "another-token"))

	err = lock.Release(ctx)
	assert.ErrorIs(t, err, ErrConflict)
	assert.False(t, mr.Exists("test:thing:1:"))
	got, _ := mr.Get("test:thing:1:lock:")
	assert.Equal(t, "another-token", got, "foreign lock must survive")
}

func TestValueTTLAppliesToLockedValueOnly(t *testing.T) {
	cache, mr := newTestCache(t)
	opts := testLockOptions()
	opts.ValueTTL = time.Hour
	locker := NewLocker(cache, opts, zap.NewNop())
	key := cache.Key("thing:1:")

	err := locker.WithLock(context.Background(), key, func(lock *JSONLock) error {
		lock.SetKey(cache.Key("index:1:"), "1")
		return lock.Set(counter{N: 1})
	})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("test:thing:1:"))
	assert.Equal(t, time.Duration(0), mr.TTL("test:index:1:"))
}
