package domain

import (
	"context"
	"time"
)

// Cache holds ephemeral derived data with a TTL.
// Supports the embedded store, a local LRU, Redis, or LRU in front of either.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// Sweep removes every expired item and returns how many were removed.
	Sweep(ctx context.Context) (int, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheItem is one TTL-bearing entry in the embedded cache collection.
type CacheItem struct {
	Key       string    `json:"key"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the item is past its expiry at now.
func (i *CacheItem) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// CacheStore persists cache items in the embedded database.
type CacheStore interface {
	GetCacheItem(ctx context.Context, key string) (*CacheItem, error)
	SetCacheItem(ctx context.Context, item *CacheItem) error
	DeleteCacheItem(ctx context.Context, key string) error
	SweepCacheItems(ctx context.Context, now time.Time) (int, error)
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "store", "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string // defaults to "folio:cache:"

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then the backing cache

	// DefaultTTL applies to derived data such as portfolio summaries.
	DefaultTTL time.Duration

	// SweepInterval schedules periodic sweeps. Zero sweeps only at startup.
	SweepInterval time.Duration
}
