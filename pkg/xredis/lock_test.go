package xredis

import (
	"context"
	"sync"
	"sync/atomic"
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
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDistLock_TryLockAndUnlock(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	l1 := NewDistLock(rdb, "lock:test", time.Second)
	l2 := NewDistLock(rdb, "lock:test", time.Second)

	ok, err := l1.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l2.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "锁被占用时第二个实例拿不到")

	// 别人的 token 删不掉
	released, err := l2.Unlock(ctx)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = l1.Unlock(ctx)
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = l2.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistLock_Expire(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	l1 := NewDistLock(rdb, "lock:expire", 100*time.Millisecond)
	ok, err := l1.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(200 * time.Millisecond)

	ok, err = NewDistLock(rdb, "lock:expire", time.Second).TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_Busy(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewRedisLocker(rdb)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "fund_consolidation_lock", 30*time.Second, 0)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "fund_consolidation_lock", 30*time.Second, 0)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	release()
	release2, err := locker.Acquire(ctx, "fund_consolidation_lock", 30*time.Second, 0)
	require.NoError(t, err)
	release2()
}

func TestLocalLocker_Serializes(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, "k", time.Second, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocalLocker_NoWait(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "k", time.Second, 0)
	require.NoError(t, err)
	_, err = locker.Acquire(context.Background(), "k", time.Second, 0)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	release()
}

func TestSeenSet(t *testing.T) {
	_, rdb := newTestRedis(t)
	set := NewSeenSet(rdb, "processed_tx", time.Hour)
	ctx := context.Background()

	seen, err := set.Seen(ctx, "0xabc")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, set.Mark(ctx, "0xabc"))
	seen, err = set.Seen(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, seen)
}
