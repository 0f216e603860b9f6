// Package cache provides TTL caches for derived data such as portfolio
// summaries.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRUStats is a point-in-time view of an LRUCache.
type LRUStats struct {
	Size      int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// LRUCache is an in-process, size-bounded cache. Entries past their expiry
// read as absent and are dropped lazily or by Sweep.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	index    map[string]*list.Element
	recency  *list.List // front is most recently used
	now      func() time.Time

	hits, misses, evictions uint64
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		recency:  list.New(),
		now:      time.Now,
	}
}

// Get returns the value for key, or nil when absent or expired.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		c.misses++
		return nil, nil
	}
	e := elem.Value.(*lruEntry)
	if !c.now().Before(e.expiresAt) {
		c.drop(elem)
		c.misses++
		return nil, nil
	}

	c.hits++
	c.recency.MoveToFront(elem)
	return e.value, nil
}

// Set stores value until now+ttl, evicting the least recently used entries
// beyond capacity. A non-positive ttl removes key.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		if elem, ok := c.index[key]; ok {
			c.drop(elem)
		}
		return nil
	}

	e := &lruEntry{key: key, value: value, expiresAt: c.now().Add(ttl)}
	if elem, ok := c.index[key]; ok {
		elem.Value = e
		c.recency.MoveToFront(elem)
		return nil
	}

	c.index[key] = c.recency.PushFront(e)
	for c.recency.Len() > c.capacity {
		c.drop(c.recency.Back())
		c.evictions++
	}
	return nil
}

// Delete removes key.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[key]; ok {
		c.drop(elem)
	}
	return nil
}

// Sweep drops every expired entry.
func (c *LRUCache) Sweep(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.recency.Front(); elem != nil; {
		next := elem.Next()
		if !now.Before(elem.Value.(*lruEntry).expiresAt) {
			c.drop(elem)
			removed++
		}
		elem = next
	}
	return removed, nil
}

func (c *LRUCache) Ping(context.Context) error { return nil }

// Close empties the cache. Counters are kept.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.index)
	c.recency.Init()
	return nil
}

// Stats reports size and hit counters.
func (c *LRUCache) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LRUStats{
		Size:      c.recency.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *LRUCache) drop(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.index, elem.Value.(*lruEntry).key)
}
