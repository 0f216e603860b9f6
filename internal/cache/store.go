package cache

import (
	"context"
	"time"

	"github.com/opensource-finance/folio/internal/domain"
)

// StoreCache keeps items in the embedded database so they survive restarts.
// Expired items read as absent until a sweep removes them.
type StoreCache struct {
	store domain.CacheStore
	now   func() time.Time
}

// NewStoreCache creates a cache over store. A nil now uses time.Now.
func NewStoreCache(store domain.CacheStore, now func() time.Time) *StoreCache {
	if now == nil {
		now = time.Now
	}
	return &StoreCache{store: store, now: now}
}

// Get returns the item data, or nil when absent or expired.
func (c *StoreCache) Get(ctx context.Context, key string) ([]byte, error) {
	item, err := c.store.GetCacheItem(ctx, key)
	if err != nil || item == nil {
		return nil, err
	}
	if item.Expired(c.now()) {
		return nil, nil
	}
	return item.Data, nil
}

// Set stores value until now+ttl.
func (c *StoreCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := c.now()
	return c.store.SetCacheItem(ctx, &domain.CacheItem{
		Key:       key,
		Data:      value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
}

// Delete removes the item.
func (c *StoreCache) Delete(ctx context.Context, key string) error {
	return c.store.DeleteCacheItem(ctx, key)
}

// Sweep deletes every item whose expiry is at or before now.
func (c *StoreCache) Sweep(ctx context.Context) (int, error) {
	return c.store.SweepCacheItems(ctx, c.now())
}

// Ping checks the backing store when it supports it.
func (c *StoreCache) Ping(ctx context.Context) error {
	if p, ok := c.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close is a no-op; the store is owned by the caller.
func (c *StoreCache) Close() error {
	return nil
}
