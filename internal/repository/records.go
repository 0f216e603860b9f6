package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/domain"
)

type recordRow struct {
	collection string
	id         string
	data       string
	createdAt  int64
	updatedAt  int64
	pending    int
}

func (row recordRow) record() (*domain.Record, error) {
	rec := domain.NewRecord(row.id, nil)
	if row.data != "" {
		if err := json.Unmarshal([]byte(row.data), &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode record %s/%s: %w", row.collection, row.id, err)
		}
	}
	rec.CreatedAt = fromNanos(row.createdAt)
	rec.UpdatedAt = fromNanos(row.updatedAt)
	rec.PendingSync = row.pending != 0
	return rec, nil
}

const selectRecord = `SELECT collection, id, data, created_at, updated_at, pending_sync FROM records`

// lookup resolves a collection for a read. Unknown collections are logged
// and reported as absent rather than failing the caller.
func (r *SQLRepository) lookup(collection string) (domain.CollectionSpec, bool) {
	spec, ok := r.catalog.Lookup(collection)
	if !ok {
		r.logger.Warn("collection not found", zap.String("collection", collection))
	}
	return spec, ok
}

// writable resolves a collection for a write.
func (r *SQLRepository) writable(collection string) (domain.CollectionSpec, error) {
	spec, ok := r.catalog.Lookup(collection)
	if !ok {
		return spec, fmt.Errorf("%w: %s", domain.ErrUnknownCollection, collection)
	}
	return spec, nil
}

// GetByID returns the record or nil when absent.
func (r *SQLRepository) GetByID(ctx context.Context, collection, id string) (*domain.Record, error) {
	if _, ok := r.lookup(collection); !ok {
		return nil, nil
	}
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var row recordRow
	err = db.QueryRowContext(ctx, r.rebind(selectRecord+` WHERE collection = ? AND id = ?`), collection, id).
		Scan(&row.collection, &row.id, &row.data, &row.createdAt, &row.updatedAt, &row.pending)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s[%s]: %w", collection, id, err)
	}
	return row.record()
}

// GetAll returns every record in the collection.
func (r *SQLRepository) GetAll(ctx context.Context, collection string) ([]*domain.Record, error) {
	if _, ok := r.lookup(collection); !ok {
		return []*domain.Record{}, nil
	}
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	recs, err := r.queryRecords(ctx, db, selectRecord+` WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	return recs, nil
}

// GetByIndex returns records whose indexed field equals value. An index the
// collection does not declare yields an empty result and a warning.
func (r *SQLRepository) GetByIndex(ctx context.Context, collection, index, value string) ([]*domain.Record, error) {
	spec, ok := r.lookup(collection)
	if !ok {
		return []*domain.Record{}, nil
	}
	if _, ok := spec.Index(index); !ok {
		r.logger.Warn("index not found",
			zap.String("collection", collection),
			zap.String("index", index),
		)
		return []*domain.Record{}, nil
	}

	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT r.collection, r.id, r.data, r.created_at, r.updated_at, r.pending_sync
		FROM records r
		JOIN record_indexes i ON i.collection = r.collection AND i.record_id = r.id
		WHERE i.collection = ? AND i.index_name = ? AND i.value = ?
		ORDER BY r.id
	`
	recs, err := r.queryRecords(ctx, db, query, collection, index, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", collection, index, err)
	}
	return recs, nil
}

func (r *SQLRepository) queryRecords(ctx context.Context, db DBTX, query string, args ...any) ([]*domain.Record, error) {
	rows, err := db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []*domain.Record{}
	for rows.Next() {
		var row recordRow
		if err := rows.Scan(&row.collection, &row.id, &row.data, &row.createdAt, &row.updatedAt, &row.pending); err != nil {
			return nil, err
		}
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Put upserts a record, optionally enqueueing an update in the same
// transaction.
func (r *SQLRepository) Put(ctx context.Context, collection string, rec *domain.Record, enqueue bool) (*domain.Record, error) {
	return r.write(ctx, collection, rec, enqueue, domain.OpUpdate)
}

// Add inserts a record that must not exist yet.
func (r *SQLRepository) Add(ctx context.Context, collection string, rec *domain.Record, enqueue bool) (*domain.Record, error) {
	return r.write(ctx, collection, rec, enqueue, domain.OpCreate)
}

func (r *SQLRepository) write(ctx context.Context, collection string, rec *domain.Record, enqueue bool, op domain.Operation) (*domain.Record, error) {
	spec, err := r.writable(collection)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.ID == "" {
		return nil, fmt.Errorf("%w: record id is required", domain.ErrInvalidInput)
	}
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var stored *domain.Record
	err = withTx(ctx, db, func(ctx context.Context, tx DBTX) error {
		var err error
		if op == domain.OpCreate {
			stored, err = r.insert(ctx, tx, spec, rec, r.tick())
		} else {
			stored, err = r.upsert(ctx, tx, spec, rec, r.tick())
		}
		if err != nil {
			return err
		}
		if enqueue {
			return r.enqueue(ctx, tx, spec.Name, op, stored.ID, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// insert writes a new record and fails with ErrDuplicateKey if it exists.
func (r *SQLRepository) insert(ctx context.Context, tx DBTX, spec domain.CollectionSpec, rec *domain.Record, now time.Time) (*domain.Record, error) {
	var exists int
	err := tx.QueryRowContext(ctx, r.rebind(`SELECT 1 FROM records WHERE collection = ? AND id = ?`), spec.Name, rec.ID).Scan(&exists)
	if err == nil {
		return nil, fmt.Errorf("%w: %s[%s]", domain.ErrDuplicateKey, spec.Name, rec.ID)
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("failed to check %s[%s]: %w", spec.Name, rec.ID, err)
	}

	stored := rec.Clone()
	if stored.CreatedAt.IsZero() || stored.CreatedAt.After(now) {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	data, err := json.Marshal(stored.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s[%s]: %w", spec.Name, rec.ID, err)
	}

	_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO records (collection, id, data, created_at, updated_at, pending_sync)
		VALUES (?, ?, ?, ?, ?, ?)
	`), spec.Name, stored.ID, string(data), toNanos(stored.CreatedAt), toNanos(stored.UpdatedAt), boolToInt(stored.PendingSync))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s[%s]", domain.ErrDuplicateKey, spec.Name, rec.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s[%s]: %w", spec.Name, rec.ID, err)
	}

	if err := r.writeIndexes(ctx, tx, spec, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// upsert writes a record, keeping created_at of an existing row and never
// moving updated_at backwards.
func (r *SQLRepository) upsert(ctx context.Context, tx DBTX, spec domain.CollectionSpec, rec *domain.Record, now time.Time) (*domain.Record, error) {
	stored, _, err := r.putRow(ctx, tx, spec, rec, now, false)
	return stored, err
}

// putRow is the shared upsert. With keepPending set, a stored row carrying
// the pending marker is left as is and putRow reports false.
func (r *SQLRepository) putRow(ctx context.Context, tx DBTX, spec domain.CollectionSpec, rec *domain.Record, now time.Time, keepPending bool) (*domain.Record, bool, error) {
	stored := rec.Clone()

	var createdAt, updatedAt int64
	var pending int
	err := tx.QueryRowContext(ctx, r.rebind(`SELECT created_at, updated_at, pending_sync FROM records WHERE collection = ? AND id = ?`), spec.Name, rec.ID).
		Scan(&createdAt, &updatedAt, &pending)
	switch {
	case err == nil:
		if keepPending && pending != 0 {
			return nil, false, nil
		}
		stored.CreatedAt = fromNanos(createdAt)
		stored.UpdatedAt = now
		if prev := fromNanos(updatedAt); prev.After(now) {
			stored.UpdatedAt = prev
		}
	case isNoRows(err):
		if stored.CreatedAt.IsZero() || stored.CreatedAt.After(now) {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
	default:
		return nil, false, fmt.Errorf("failed to read %s[%s]: %w", spec.Name, rec.ID, err)
	}

	data, err := json.Marshal(stored.Fields)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode %s[%s]: %w", spec.Name, rec.ID, err)
	}

	query := `
		INSERT INTO records (collection, id, data, created_at, updated_at, pending_sync)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			pending_sync = excluded.pending_sync`
	if keepPending {
		// Also covers a row committed after the SELECT under read committed.
		query += `
		WHERE records.pending_sync = 0`
	}

	res, err := tx.ExecContext(ctx, r.rebind(query),
		spec.Name, stored.ID, string(data), toNanos(stored.CreatedAt), toNanos(stored.UpdatedAt), boolToInt(stored.PendingSync))
	if err != nil {
		return nil, false, fmt.Errorf("failed to put %s[%s]: %w", spec.Name, rec.ID, err)
	}
	if keepPending {
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("failed to put %s[%s]: %w", spec.Name, rec.ID, err)
		}
		if n == 0 {
			return nil, false, nil
		}
	}

	if err := r.writeIndexes(ctx, tx, spec, stored); err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// Remove deletes a record. Removing an absent id succeeds.
func (r *SQLRepository) Remove(ctx context.Context, collection, id string, enqueue bool) error {
	spec, err := r.writable(collection)
	if err != nil {
		return err
	}
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return withTx(ctx, db, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM records WHERE collection = ? AND id = ?`), spec.Name, id); err != nil {
			return fmt.Errorf("failed to remove %s[%s]: %w", spec.Name, id, err)
		}
		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM record_indexes WHERE collection = ? AND record_id = ?`), spec.Name, id); err != nil {
			return fmt.Errorf("failed to remove index rows for %s[%s]: %w", spec.Name, id, err)
		}
		if enqueue {
			return r.enqueue(ctx, tx, spec.Name, domain.OpDelete, id, map[string]string{"id": id})
		}
		return nil
	})
}

// Clear removes every record in the collection. Queue entries are kept.
func (r *SQLRepository) Clear(ctx context.Context, collection string) error {
	spec, err := r.writable(collection)
	if err != nil {
		return err
	}
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return withTx(ctx, db, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM records WHERE collection = ?`), spec.Name); err != nil {
			return fmt.Errorf("failed to clear %s: %w", spec.Name, err)
		}
		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM record_indexes WHERE collection = ?`), spec.Name); err != nil {
			return fmt.Errorf("failed to clear index rows for %s: %w", spec.Name, err)
		}
		return nil
	})
}

// PutMany upserts all records in one transaction with a single timestamp.
func (r *SQLRepository) PutMany(ctx context.Context, collection string, recs []*domain.Record) ([]*domain.Record, error) {
	spec, err := r.writable(collection)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec == nil || rec.ID == "" {
			return nil, fmt.Errorf("%w: record id is required", domain.ErrInvalidInput)
		}
	}
	db, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	stored := make([]*domain.Record, 0, len(recs))
	err = withTx(ctx, db, func(ctx context.Context, tx DBTX) error {
		now := r.tick()
		for _, rec := range recs {
			s, err := r.upsert(ctx, tx, spec, rec, now)
			if err != nil {
				return err
			}
			stored = append(stored, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// MergeMany upserts backend copies in one transaction, skipping every record
// whose stored row still carries the pending marker.
func (r *SQLRepository) MergeMany(ctx context.Context, collection string, recs []*domain.Record) ([]*domain.Record, []string, error) {
	spec, err := r.writable(collection)
	if err != nil {
		return nil, nil, err
	}
	for _, rec := range recs {
		if rec == nil || rec.ID == "" {
			return nil, nil, fmt.Errorf("%w: record id is required", domain.ErrInvalidInput)
		}
	}
	db, err := r.conn(ctx)
	if err != nil {
		return nil, nil, err
	}

	var (
		merged  []*domain.Record
		skipped []string
	)
	err = withTx(ctx, db, func(ctx context.Context, tx DBTX) error {
		now := r.tick()
		for _, rec := range recs {
			s, ok, err := r.putRow(ctx, tx, spec, rec, now, true)
			if err != nil {
				return err
			}
			if !ok {
				skipped = append(skipped, rec.ID)
				continue
			}
			merged = append(merged, s)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return merged, skipped, nil
}

// writeIndexes replaces the secondary index rows of one record.
func (r *SQLRepository) writeIndexes(ctx context.Context, tx DBTX, spec domain.CollectionSpec, rec *domain.Record) error {
	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM record_indexes WHERE collection = ? AND record_id = ?`), spec.Name, rec.ID); err != nil {
		return fmt.Errorf("failed to reset index rows for %s[%s]: %w", spec.Name, rec.ID, err)
	}
	for _, idx := range spec.Indexes {
		v, ok := rec.Field(idx.Field)
		if !ok {
			continue
		}
		value, ok := indexValue(v)
		if !ok {
			continue
		}
		_, err := tx.ExecContext(ctx, r.rebind(`
			INSERT INTO record_indexes (collection, index_name, value, record_id)
			VALUES (?, ?, ?, ?)
		`), spec.Name, idx.Name, value, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to index %s[%s] by %s: %w", spec.Name, rec.ID, idx.Name, err)
		}
	}
	return nil
}

// indexValue renders scalar field values as index keys. Composite and null
// values are not indexed.
func indexValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case json.Number:
		return t.String(), true
	}
	return "", false
}

// enqueue appends a sync queue entry inside tx.
func (r *SQLRepository) enqueue(ctx context.Context, tx DBTX, collection string, op domain.Operation, recordID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode queue payload for %s[%s]: %w", collection, recordID, err)
	}

	_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO sync_queue (id, store_name, record_id, operation, data, enqueued_at, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, 0, '')
	`), uuid.NewString(), collection, recordID, string(op), string(data), toNanos(r.tick()))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s %s[%s]: %w", op, collection, recordID, err)
	}
	return nil
}
