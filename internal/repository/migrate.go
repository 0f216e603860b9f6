package repository

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its dialect and filesystem in package state.
var gooseMu sync.Mutex

const metaCatalogVersion = "catalog_version"

func migrate(ctx context.Context, db *sql.DB, driver string) error {
	dialect := "sqlite3"
	if driver == "postgres" {
		dialect = "postgres"
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	goose.SetBaseFS(migrationsFS)
	return goose.UpContext(ctx, db, "migrations")
}

// applyCatalog rebuilds secondary index rows when the stored catalog version
// is older than the one this binary declares.
func (r *SQLRepository) applyCatalog(ctx context.Context, db *sql.DB) error {
	stored, err := r.catalogVersion(ctx, db)
	if err != nil {
		return err
	}

	switch {
	case stored == r.catalog.Version:
		return nil
	case stored > r.catalog.Version:
		r.logger.Warn("database catalog is newer than this binary",
			zap.Int("stored_version", stored),
			zap.Int("catalog_version", r.catalog.Version),
		)
		return nil
	}

	var rebuilt int
	err = withTx(ctx, db, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM record_indexes`); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `SELECT collection, id, data, created_at, updated_at, pending_sync FROM records`)
		if err != nil {
			return err
		}
		var pending []recordRow
		for rows.Next() {
			var row recordRow
			if err := rows.Scan(&row.collection, &row.id, &row.data, &row.createdAt, &row.updatedAt, &row.pending); err != nil {
				rows.Close()
				return err
			}
			pending = append(pending, row)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, row := range pending {
			spec, ok := r.catalog.Lookup(row.collection)
			if !ok {
				continue
			}
			rec, err := row.record()
			if err != nil {
				return err
			}
			if err := r.writeIndexes(ctx, tx, spec, rec); err != nil {
				return err
			}
			rebuilt++
		}

		_, err = tx.ExecContext(ctx, r.rebind(`
			INSERT INTO folio_meta (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`), metaCatalogVersion, strconv.Itoa(r.catalog.Version))
		return err
	})
	if err != nil {
		return err
	}

	r.logger.Info("catalog upgraded",
		zap.Int("from_version", stored),
		zap.Int("to_version", r.catalog.Version),
		zap.Int("records_reindexed", rebuilt),
	)
	return nil
}

func (r *SQLRepository) catalogVersion(ctx context.Context, db DBTX) (int, error) {
	var value string
	err := db.QueryRowContext(ctx, r.rebind(`SELECT value FROM folio_meta WHERE key = ?`), metaCatalogVersion).Scan(&value)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read catalog version: %w", err)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid catalog version %q: %w", value, err)
	}
	return v, nil
}
