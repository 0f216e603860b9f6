// Package domain defines the core interfaces and types for Folio.
package domain

import (
	"context"
	"time"
)

// Store is the key-value layer over named collections.
// Reads of a missing id return nil, nil. Reads against an unknown
// collection or index return an empty result.
type Store interface {
	// Connect opens the underlying database. Safe to call repeatedly and
	// concurrently; every other method connects on demand.
	Connect(ctx context.Context) error

	GetByID(ctx context.Context, collection, id string) (*Record, error)
	GetAll(ctx context.Context, collection string) ([]*Record, error)
	GetByIndex(ctx context.Context, collection, index, value string) ([]*Record, error)

	// Put upserts the record. When enqueue is set an update entry is
	// appended to the sync queue in the same transaction.
	Put(ctx context.Context, collection string, rec *Record, enqueue bool) (*Record, error)

	// Add inserts a new record and fails with ErrDuplicateKey if the id exists.
	Add(ctx context.Context, collection string, rec *Record, enqueue bool) (*Record, error)

	// Remove deletes the record. Removing a missing id is not an error.
	Remove(ctx context.Context, collection, id string, enqueue bool) error

	Clear(ctx context.Context, collection string) error

	// PutMany upserts all records in a single transaction.
	PutMany(ctx context.Context, collection string, recs []*Record) ([]*Record, error)

	// MergeMany upserts records in a single transaction but leaves any
	// stored record with the pending marker untouched. The check and the
	// write happen in the same transaction. It returns the written records
	// and the ids it skipped.
	MergeMany(ctx context.Context, collection string, recs []*Record) (merged []*Record, skipped []string, err error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// LegacyStore holds string-keyed JSON blobs from before the collection
// schema existed. Get returns nil, nil for a missing key.
type LegacyStore interface {
	GetLegacy(ctx context.Context, key string) ([]byte, error)
	SetLegacy(ctx context.Context, key string, value []byte) error
	DeleteLegacy(ctx context.Context, key string) error
	ListLegacy(ctx context.Context) ([]string, error)
}

// RepositoryConfig selects and tunes the database behind the local store.
// Driver is "sqlite" for the embedded file or "postgres" for hosted mode.
type RepositoryConfig struct {
	Driver     string `json:"driver"`
	SQLitePath string `json:"sqlitePath"`

	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	// Zero leaves the database/sql default in place.
	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}
