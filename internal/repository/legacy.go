package repository

import (
	"context"
	"fmt"
)

// GetLegacy returns the blob stored under key, or nil when absent.
func (r *SQLRepository) GetLegacy(ctx context.Context, key string) ([]byte, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var value string
	err = db.QueryRowContext(ctx, r.rebind(`SELECT value FROM legacy_kv WHERE key = ?`), key).Scan(&value)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get legacy[%s]: %w", key, err)
	}
	return []byte(value), nil
}

// SetLegacy upserts the blob stored under key.
func (r *SQLRepository) SetLegacy(ctx context.Context, key string, value []byte) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, r.rebind(`
		INSERT INTO legacy_kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), key, string(value), toNanos(r.tick()))
	if err != nil {
		return fmt.Errorf("failed to set legacy[%s]: %w", key, err)
	}
	return nil
}

// DeleteLegacy removes the blob stored under key.
func (r *SQLRepository) DeleteLegacy(ctx context.Context, key string) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, r.rebind(`DELETE FROM legacy_kv WHERE key = ?`), key); err != nil {
		return fmt.Errorf("failed to delete legacy[%s]: %w", key, err)
	}
	return nil
}

// ListLegacy returns all legacy keys in lexical order.
func (r *SQLRepository) ListLegacy(ctx context.Context) ([]string, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT key FROM legacy_kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
