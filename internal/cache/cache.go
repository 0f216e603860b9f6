package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/folio/internal/domain"
)

// New builds the cache named by cfg.Type:
//
//	store   items live in the embedded database (default)
//	memory  process-local LRU
//	redis   shared Redis
//
// EnableTwoPhase puts an LRU in front of store or redis.
func New(cfg domain.CacheConfig, store domain.CacheStore) (domain.Cache, error) {
	var backing domain.Cache
	switch cfg.Type {
	case "", "store":
		if store == nil {
			return nil, fmt.Errorf("cache type %q requires a cache store", "store")
		}
		backing = NewStoreCache(store, nil)
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		rc, err := NewRedisCache(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		backing = rc
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}

	if !cfg.EnableTwoPhase {
		return backing, nil
	}
	return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), backing, cfg.LocalTTL), nil
}

// TwoPhaseCache reads through a local LRU (L1) to a slower shared or
// persistent cache (L2). L1 entries live at most l1TTL so other writers'
// changes to L2 show up within that window.
type TwoPhaseCache struct {
	l1    *LRUCache
	l2    domain.Cache
	l1TTL time.Duration
}

// NewTwoPhaseCache fronts l2 with l1. A zero l1TTL means one minute.
func NewTwoPhaseCache(l1 *LRUCache, l2 domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = time.Minute
	}
	return &TwoPhaseCache{l1: l1, l2: l2, l1TTL: l1TTL}
}

// Get answers from L1 and falls back to L2, refilling L1 on an L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, _ := c.l1.Get(ctx, key); val != nil {
		return val, nil
	}

	val, err := c.l2.Get(ctx, key)
	if err != nil || val == nil {
		return nil, err
	}
	_ = c.l1.Set(ctx, key, val, c.l1TTL)
	return val, nil
}

// Set writes L2 first so a failed write never leaves L1 ahead of L2.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		_ = c.l1.Delete(ctx, key)
		return err
	}
	return c.l1.Set(ctx, key, value, min(ttl, c.l1TTL))
}

// Delete removes key from L2, then L1.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	err := c.l2.Delete(ctx, key)
	_ = c.l1.Delete(ctx, key)
	return err
}

// Sweep drops expired items from both layers and returns the total.
func (c *TwoPhaseCache) Sweep(ctx context.Context) (int, error) {
	n1, _ := c.l1.Sweep(ctx)
	n2, err := c.l2.Sweep(ctx)
	return n1 + n2, err
}

// Ping reports L2 health; L1 is always available.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.l2.Ping(ctx); err != nil {
		return fmt.Errorf("l2 cache: %w", err)
	}
	return nil
}

// Close empties L1 and closes L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.l1.Close()
	return c.l2.Close()
}

// Stats reports the L1 counters.
func (c *TwoPhaseCache) Stats() LRUStats {
	return c.l1.Stats()
}
