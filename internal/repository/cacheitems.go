package repository

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/opensource-finance/folio/internal/domain"
)

// GetCacheItem returns the item or nil when absent. Expired items are
// returned as stored; callers decide.
func (r *SQLRepository) GetCacheItem(ctx context.Context, key string) (*domain.CacheItem, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var data string
	var createdAt, expiresAt int64
	err = db.QueryRowContext(ctx, r.rebind(`SELECT data, created_at, expires_at FROM cache_items WHERE key = ?`), key).
		Scan(&data, &createdAt, &expiresAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache item[%s]: %w", key, err)
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cache item[%s]: %w", key, err)
	}
	return &domain.CacheItem{
		Key:       key,
		Data:      raw,
		CreatedAt: fromNanos(createdAt),
		ExpiresAt: fromNanos(expiresAt),
	}, nil
}

// SetCacheItem upserts the item.
func (r *SQLRepository) SetCacheItem(ctx context.Context, item *domain.CacheItem) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, r.rebind(`
		INSERT INTO cache_items (key, data, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			data = excluded.data,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`), item.Key, base64.StdEncoding.EncodeToString(item.Data), toNanos(item.CreatedAt), toNanos(item.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to set cache item[%s]: %w", item.Key, err)
	}
	return nil
}

// DeleteCacheItem removes the item. Deleting a missing key succeeds.
func (r *SQLRepository) DeleteCacheItem(ctx context.Context, key string) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, r.rebind(`DELETE FROM cache_items WHERE key = ?`), key); err != nil {
		return fmt.Errorf("failed to delete cache item[%s]: %w", key, err)
	}
	return nil
}

// SweepCacheItems deletes items that expired at or before now.
func (r *SQLRepository) SweepCacheItems(ctx context.Context, now time.Time) (int, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx, r.rebind(`DELETE FROM cache_items WHERE expires_at <= ?`), toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep cache items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
