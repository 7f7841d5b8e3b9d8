package keyvault

import (
	"crypto/subtle"
	"sync"
	"time"
)

type cacheEntry struct {
	secret   []byte
	verifier []byte
	added    time.Time
	expires  time.Time
}

func (e *cacheEntry) wipe() {
	zero(e.secret)
	zero(e.verifier)
}

// secretCache 按 purpose 缓存解密结果，淘汰、过期、清空时都会把明文清零
type secretCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[Purpose]*cacheEntry
	now     func() time.Time
}

func newSecretCache(ttl time.Duration, max int, now func() time.Time) *secretCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if max <= 0 {
		max = 20
	}
	return &secretCache{ttl: ttl, max: max, entries: make(map[Purpose]*cacheEntry), now: now}
}

// get 命中返回副本；口令校验值不一致时 mismatch=true 且条目已被删除
func (c *secretCache) get(p Purpose, verifier []byte) (secret []byte, hit, mismatch bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[p]
	if !ok {
		return nil, false, false
	}
	if !c.now().Before(e.expires) {
		c.removeLocked(p)
		return nil, false, false
	}
	if subtle.ConstantTimeCompare(e.verifier, verifier) != 1 {
		c.removeLocked(p)
		return nil, false, true
	}
	out := make([]byte, len(e.secret))
	copy(out, e.secret)
	return out, true, false
}

// put 接管 secret，之后由缓存负责清零
func (c *secretCache) put(p Purpose, secret, verifier []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[p]; ok {
		c.removeLocked(p)
	}
	for len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	now := c.now()
	e := &cacheEntry{
		secret:   secret,
		verifier: append([]byte(nil), verifier...),
		added:    now,
		expires:  now.Add(c.ttl),
	}
	c.entries[p] = e
}

func (c *secretCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.entries {
		c.removeLocked(p)
	}
}

// sweep 清理过期条目，返回清理数量
func (c *secretCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for p, e := range c.entries {
		if !now.Before(e.expires) {
			c.removeLocked(p)
			n++
		}
	}
	return n
}

func (c *secretCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *secretCache) removeLocked(p Purpose) {
	if e, ok := c.entries[p]; ok {
		e.wipe()
		delete(c.entries, p)
	}
}

func (c *secretCache) evictOldestLocked() {
	var oldest Purpose
	var at time.Time
	first := true
	for p, e := range c.entries {
		if first || e.added.Before(at) {
			oldest, at, first = p, e.added, false
		}
	}
	if !first {
		c.removeLocked(oldest)
	}
}
