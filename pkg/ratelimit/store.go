package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen int64 // unix nano
}

// Store 按 key 维护令牌桶，归集时按网络限速
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	rate    rate.Limit
	burst   int
	ttl     time.Duration
}

func NewStore(r rate.Limit, burst int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Store{
		entries: make(map[string]*entry, 16),
		rate:    r,
		burst:   burst,
		ttl:     ttl,
	}
}

// Every 每 d 放行一次
func Every(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

func (s *Store) get(key string) *rate.Limiter {
	now := time.Now().UnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.entries[key] = e
	}
	atomic.StoreInt64(&e.lastSeen, now)
	return e.limiter
}

func (s *Store) Allow(key string) bool {
	return s.get(key).Allow()
}

func (s *Store) Wait(ctx context.Context, key string) error {
	return s.get(key).Wait(ctx)
}

// Cleanup 删除长时间未使用的 key，由定时任务调用
func (s *Store) Cleanup() int {
	cut := time.Now().Add(-s.ttl).UnixNano()
	removed := 0
	s.mu.Lock()
	for k, e := range s.entries {
		if atomic.LoadInt64(&e.lastSeen) < cut {
			delete(s.entries, k)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}
