package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value   Entry
	expires time.Time
}

// MemoryCache is an in-process TTL cache. Expired entries are dropped on write.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, scope string, params Params) (Result, error) {
	key := Fingerprint(scope, params)

	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expires) {
		return Result{}, nil
	}
	return Result{Hit: true, Value: entry.value}, nil
}

func (c *MemoryCache) Set(_ context.Context, scope string, params Params, value Entry, ttl time.Duration) error {
	key := Fingerprint(scope, params)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gcLocked(now)
	c.items[key] = memoryEntry{value: value, expires: now.Add(ttl)}
	return nil
}

func (c *MemoryCache) gcLocked(now time.Time) {
	for key, entry := range c.items {
		if !now.Before(entry.expires) {
			delete(c.items, key)
		}
	}
}

// WithNowFunc allows tests to override the time source.
func (c *MemoryCache) WithNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
