// Package repository provides the collection store, sync queue, cache items
// and legacy blobs on top of database/sql.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/folio/internal/domain"
)

// SQLRepository implements domain.Store, domain.SyncQueue, domain.CacheStore
// and domain.LegacyStore. Works with both SQLite and PostgreSQL drivers.
//
// The database is opened lazily. Concurrent callers share one pending open,
// and Close drops the connection so the next call reopens it.
type SQLRepository struct {
	cfg     domain.RepositoryConfig
	driver  string
	catalog domain.Catalog
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	db      *sql.DB
	connect singleflight.Group
	opens   atomic.Int64

	clockMu  sync.Mutex
	lastTick time.Time
}

// Option configures a repository.
type Option func(*SQLRepository)

// WithCatalog overrides the collection catalog.
func WithCatalog(c domain.Catalog) Option {
	return func(r *SQLRepository) { r.catalog = c }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *SQLRepository) { r.now = now }
}

// New creates a repository handle. No connection is opened until Connect
// or the first operation.
func New(cfg domain.RepositoryConfig, logger *zap.Logger, opts ...Option) (*SQLRepository, error) {
	switch cfg.Driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &SQLRepository{
		cfg:     cfg,
		driver:  cfg.Driver,
		catalog: domain.DefaultCatalog(),
		logger:  logger.Named("repository"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Catalog returns the collection catalog this repository serves.
func (r *SQLRepository) Catalog() domain.Catalog {
	return r.catalog
}

// Connect opens the database, runs migrations and applies the catalog
// checkpoint. It is a no-op when already connected.
func (r *SQLRepository) Connect(ctx context.Context) error {
	_, err := r.conn(ctx)
	return err
}

func (r *SQLRepository) conn(ctx context.Context) (*sql.DB, error) {
	r.mu.RLock()
	db := r.db
	r.mu.RUnlock()
	if db != nil {
		return db, nil
	}

	v, err, _ := r.connect.Do("connect", func() (any, error) {
		r.mu.RLock()
		db := r.db
		r.mu.RUnlock()
		if db != nil {
			return db, nil
		}

		db, err := r.open(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.db = db
		r.mu.Unlock()
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.DB), nil
}

func (r *SQLRepository) open(ctx context.Context) (*sql.DB, error) {
	var db *sql.DB
	var err error

	switch r.driver {
	case "sqlite":
		db, err = openSQLite(ctx, r.cfg)
	case "postgres":
		db, err = openPostgres(ctx, r.cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	r.opens.Add(1)

	// Configure connection pool
	if r.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(r.cfg.MaxOpenConns)
	}
	if r.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(r.cfg.MaxIdleConns)
	}
	if r.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(r.cfg.ConnMaxLifetime)
	}

	if err := migrate(ctx, db, r.driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := r.applyCatalog(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply catalog version %d: %w", r.catalog.Version, err)
	}

	r.logger.Info("database opened",
		zap.String("driver", r.driver),
		zap.Int("catalog_version", r.catalog.Version),
	)
	return db, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	db, err := r.conn(ctx)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close closes the database connection. The next operation reopens it.
func (r *SQLRepository) Close() error {
	r.mu.Lock()
	db := r.db
	r.db = nil
	r.mu.Unlock()

	if db == nil {
		return nil
	}
	return db.Close()
}

// tick returns the current time, strictly after any previously returned
// tick, so queue entries order by creation even under a coarse clock.
func (r *SQLRepository) tick() time.Time {
	r.clockMu.Lock()
	defer r.clockMu.Unlock()

	t := r.now().UTC()
	if !t.After(r.lastTick) {
		t = r.lastTick.Add(time.Nanosecond)
	}
	r.lastTick = t
	return t
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
