package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/folio/internal/domain"
)

const selectEntry = `SELECT id, store_name, record_id, operation, data, enqueued_at, retry_count, last_error`

type entryScanner interface {
	Scan(dest ...any) error
}

func scanEntry(s entryScanner, extra ...any) (*domain.QueueEntry, error) {
	var e domain.QueueEntry
	var op, data string
	var enqueuedAt int64
	dest := append([]any{&e.ID, &e.StoreName, &e.RecordID, &op, &data, &enqueuedAt, &e.RetryCount, &e.LastError}, extra...)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	e.Operation = domain.Operation(op)
	e.Data = json.RawMessage(data)
	e.Timestamp = fromNanos(enqueuedAt)
	return &e, nil
}

// Pending returns all queued entries, oldest first.
func (r *SQLRepository) Pending(ctx context.Context) ([]*domain.QueueEntry, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectEntry+` FROM sync_queue ORDER BY enqueued_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync queue: %w", err)
	}
	defer rows.Close()

	entries := []*domain.QueueEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of queued entries.
func (r *SQLRepository) Count(ctx context.Context) (int, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}

// Enqueue appends an entry without touching the record itself.
func (r *SQLRepository) Enqueue(ctx context.Context, collection string, op domain.Operation, recordID string, payload any) error {
	if _, err := r.writable(collection); err != nil {
		return err
	}
	if !op.Valid() {
		return fmt.Errorf("%w: operation %q", domain.ErrInvalidInput, op)
	}
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}
	return r.enqueue(ctx, db, collection, op, recordID, payload)
}

// MarkSynced removes the entry. When it was the last entry for its record,
// the record's pending marker is cleared in the same transaction.
func (r *SQLRepository) MarkSynced(ctx context.Context, entry *domain.QueueEntry) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return withTx(ctx, db, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM sync_queue WHERE id = ?`), entry.ID); err != nil {
			return fmt.Errorf("failed to remove queue entry %s: %w", entry.ID, err)
		}

		var remaining int
		err := tx.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM sync_queue WHERE store_name = ? AND record_id = ?`),
			entry.StoreName, entry.RecordID).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("failed to count entries for %s[%s]: %w", entry.StoreName, entry.RecordID, err)
		}
		if remaining > 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, r.rebind(`UPDATE records SET pending_sync = 0 WHERE collection = ? AND id = ?`),
			entry.StoreName, entry.RecordID)
		if err != nil {
			return fmt.Errorf("failed to clear pending marker on %s[%s]: %w", entry.StoreName, entry.RecordID, err)
		}
		return nil
	})
}

// MarkFailed records a failed attempt on the entry.
func (r *SQLRepository) MarkFailed(ctx context.Context, id string, cause string) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, r.rebind(`
		UPDATE sync_queue
		SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ?
	`), cause, id)
	if err != nil {
		return fmt.Errorf("failed to record failure on queue entry %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: queue entry %s", domain.ErrNotFound, id)
	}
	return nil
}

// Abandon moves the entry into the dead-letter table.
func (r *SQLRepository) Abandon(ctx context.Context, entry *domain.QueueEntry, reason string) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return withTx(ctx, db, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx, r.rebind(`
			INSERT INTO sync_dead_letters (id, store_name, record_id, operation, data, enqueued_at, retry_count, last_error, abandoned_at, reason)
			SELECT id, store_name, record_id, operation, data, enqueued_at, retry_count, last_error, ?, ?
			FROM sync_queue WHERE id = ?
		`), toNanos(r.tick()), reason, entry.ID)
		if err != nil {
			return fmt.Errorf("failed to dead-letter queue entry %s: %w", entry.ID, err)
		}

		res, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM sync_queue WHERE id = ?`), entry.ID)
		if err != nil {
			return fmt.Errorf("failed to remove queue entry %s: %w", entry.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: queue entry %s", domain.ErrNotFound, entry.ID)
		}
		return nil
	})
}

// DeadLetters lists abandoned entries, most recently abandoned first.
func (r *SQLRepository) DeadLetters(ctx context.Context) ([]*domain.DeadLetter, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectEntry+`, abandoned_at, reason FROM sync_dead_letters ORDER BY abandoned_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	letters := []*domain.DeadLetter{}
	for rows.Next() {
		var abandonedAt int64
		var reason string
		e, err := scanEntry(rows, &abandonedAt, &reason)
		if err != nil {
			return nil, err
		}
		letters = append(letters, &domain.DeadLetter{
			QueueEntry:  *e,
			AbandonedAt: fromNanos(abandonedAt),
			Reason:      reason,
		})
	}
	return letters, rows.Err()
}

// Replay moves a dead letter back into the queue with a zero retry count
// and a fresh timestamp.
func (r *SQLRepository) Replay(ctx context.Context, id string) (*domain.QueueEntry, error) {
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var entry *domain.QueueEntry
	err = withTx(ctx, db, func(ctx context.Context, tx DBTX) error {
		var abandonedAt int64
		var reason string
		e, err := scanEntry(tx.QueryRowContext(ctx, r.rebind(selectEntry+`, abandoned_at, reason FROM sync_dead_letters WHERE id = ?`), id),
			&abandonedAt, &reason)
		if isNoRows(err) {
			return fmt.Errorf("%w: dead letter %s", domain.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to load dead letter %s: %w", id, err)
		}

		e.RetryCount = 0
		e.LastError = ""
		e.Timestamp = r.tick()

		_, err = tx.ExecContext(ctx, r.rebind(`
			INSERT INTO sync_queue (id, store_name, record_id, operation, data, enqueued_at, retry_count, last_error)
			VALUES (?, ?, ?, ?, ?, ?, 0, '')
		`), e.ID, e.StoreName, e.RecordID, string(e.Operation), string(e.Data), toNanos(e.Timestamp))
		if err != nil {
			return fmt.Errorf("failed to requeue dead letter %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM sync_dead_letters WHERE id = ?`), id); err != nil {
			return fmt.Errorf("failed to remove dead letter %s: %w", id, err)
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
