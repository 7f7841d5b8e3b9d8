package xredis

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotAcquired = errors.New("xredis: lock not acquired")

// KEYS[1]: 锁的 key, ARGV[1]: token，防止误删别人的锁
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

type DistLock struct {
	client     *redis.Client
	key        string
	token      string        // 谁加锁谁解锁
	expiration time.Duration // 自动过期，持有者挂了也能释放
}

func NewDistLock(client *redis.Client, key string, expiration time.Duration) *DistLock {
	return &DistLock{
		client:     client,
		key:        key,
		token:      uuid.NewString(),
		expiration: expiration,
	}
}

// TryLock 非阻塞，一次性
func (l *DistLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
}

// Lock 自旋重试，带随机抖动防止所有等待者同时冲击 Redis
func (l *DistLock) Lock(ctx context.Context, retryTimes int, retryInterval time.Duration) (bool, error) {
	for i := 0; i < retryTimes; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		sleep := retryInterval + time.Duration(rand.Intn(10))*time.Millisecond
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return false, nil
}

// Unlock Lua 保证比较和删除的原子性
func (l *DistLock) Unlock(ctx context.Context) (bool, error) {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Locker 串行化临界区，拿不到锁返回 ErrLockNotAcquired
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration, wait time.Duration) (release func(), err error)
}

// RedisLocker 多实例部署时使用
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration, wait time.Duration) (func(), error) {
	l := NewDistLock(r.client, key, ttl)
	retry := 1
	interval := 50 * time.Millisecond
	if wait > 0 {
		retry = int(wait/interval) + 1
	}
	ok, err := l.Lock(ctx, retry, interval)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return func() {
		// 释放不跟随调用方取消，否则锁只能等过期
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		_, _ = l.Unlock(unlockCtx)
	}, nil
}

// LocalLocker 单进程按 key 加锁，测试和单机模式使用
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, _ time.Duration, wait time.Duration) (func(), error) {
	ch := l.slot(key)
	release := func() { <-ch }

	if wait <= 0 {
		select {
		case ch <- struct{}{}:
			return release, nil
		default:
			return nil, ErrLockNotAcquired
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, ErrLockNotAcquired
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
