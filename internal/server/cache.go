package server

import (
	"sync"
	"time"
)

// Cache is a tiny TTL cache for the handful of expensive read views
// (leaderboard, season stats). Values are whole marshaled responses.
type Cache struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	val []byte
	exp time.Time
}

func NewCache() *Cache {
	return &Cache{now: time.Now, entries: map[string]cacheEntry{}}
}

func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.exp) {
		delete(c.entries, key)
		return nil, false
	}
	return e.val, true
}

func (c *Cache) Set(key string, val []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{val: val, exp: c.now().Add(ttl)}
}

// Invalidate drops one key; mutating handlers call it so the next read
// is fresh.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}
