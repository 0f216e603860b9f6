// Package stores provides typed, validated access to the record collections.
package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/domain"
	"github.com/opensource-finance/folio/internal/query"
)

// Deps are the shared dependencies of every collection.
type Deps struct {
	Store   domain.Store
	Legacy  domain.LegacyStore // optional
	Filters *query.Engine
	Logger  *zap.Logger
}

// Collection is a typed view over one collection of the record store.
// T is an entity struct embedding domain.Meta.
type Collection[T any] struct {
	spec     domain.CollectionSpec
	store    domain.Store
	legacy   domain.LegacyStore
	filters  *query.Engine
	validate *validator.Validate
	logger   *zap.Logger
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewCollection creates a typed collection. The name must be in catalog.
func NewCollection[T any](catalog domain.Catalog, name string, deps Deps) (*Collection[T], error) {
	spec, ok := catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCollection, name)
	}
	if deps.Store == nil {
		return nil, errors.New("stores: a record store is required")
	}
	if deps.Filters == nil {
		return nil, errors.New("stores: a filter engine is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Collection[T]{
		spec:     spec,
		store:    deps.Store,
		legacy:   deps.Legacy,
		filters:  deps.Filters,
		validate: validate,
		logger:   logger.Named("stores").With(zap.String("collection", name)),
	}, nil
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.spec.Name
}

// Get returns the entity with id. The legacy blob is consulted when the
// primary store has no match.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	rec, err := c.store.GetByID(ctx, c.spec.Name, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		legacy, err := c.legacyRecords(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range legacy {
			if r.ID == id {
				rec = r
				break
			}
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s[%s]", domain.ErrNotFound, c.spec.Name, id)
	}
	return decode[T](rec)
}

// All returns every entity. When the primary store is empty the legacy blob
// is read instead.
func (c *Collection[T]) All(ctx context.Context) ([]*T, error) {
	recs, err := c.records(ctx)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](recs)
}

// ByIndex returns entities whose indexed field equals value.
func (c *Collection[T]) ByIndex(ctx context.Context, index, value string) ([]*T, error) {
	recs, err := c.store.GetByIndex(ctx, c.spec.Name, index, value)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](recs)
}

// Where returns entities matching a CEL filter over the record, for
// example `record.status == "active" && record.company_id == "c-1"`.
func (c *Collection[T]) Where(ctx context.Context, expr string) ([]*T, error) {
	f, err := c.filters.Compile(expr)
	if err != nil {
		return nil, err
	}
	recs, err := c.records(ctx)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](f.Apply(recs))
}

// byIndexWhere narrows an index lookup with a filter.
func (c *Collection[T]) byIndexWhere(ctx context.Context, index, value, expr string) ([]*T, error) {
	f, err := c.filters.Compile(expr)
	if err != nil {
		return nil, err
	}
	recs, err := c.store.GetByIndex(ctx, c.spec.Name, index, value)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](f.Apply(recs))
}

// Save validates and upserts v. With enqueue, an update entry is queued in
// the same transaction.
func (c *Collection[T]) Save(ctx context.Context, v *T, enqueue bool) (*T, error) {
	rec, err := c.prepare(v)
	if err != nil {
		return nil, err
	}
	stored, err := c.store.Put(ctx, c.spec.Name, rec, enqueue)
	if err != nil {
		return nil, err
	}
	return decode[T](stored)
}

// Add validates and inserts v, assigning an id when it has none. Fails with
// domain.ErrDuplicateKey when the id exists.
func (c *Collection[T]) Add(ctx context.Context, v *T, enqueue bool) (*T, error) {
	rec, err := c.prepare(v)
	if err != nil {
		return nil, err
	}
	stored, err := c.store.Add(ctx, c.spec.Name, rec, enqueue)
	if err != nil {
		return nil, err
	}
	return decode[T](stored)
}

// Remove deletes the entity. Removing an absent id succeeds.
func (c *Collection[T]) Remove(ctx context.Context, id string, enqueue bool) error {
	return c.store.Remove(ctx, c.spec.Name, id, enqueue)
}

// ImportLegacy copies the legacy blob into the primary store and drops the
// blob. It returns how many records were imported.
func (c *Collection[T]) ImportLegacy(ctx context.Context) (int, error) {
	recs, err := c.legacyRecords(ctx)
	if err != nil || len(recs) == 0 {
		return 0, err
	}
	if _, err := c.store.PutMany(ctx, c.spec.Name, recs); err != nil {
		return 0, fmt.Errorf("failed to import legacy %s: %w", c.spec.LegacyKey, err)
	}
	if err := c.legacy.DeleteLegacy(ctx, c.spec.LegacyKey); err != nil {
		return 0, err
	}
	c.logger.Info("legacy records imported",
		zap.String("legacy_key", c.spec.LegacyKey),
		zap.Int("count", len(recs)),
	)
	return len(recs), nil
}

func (c *Collection[T]) prepare(v *T) (*domain.Record, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil %s entity", domain.ErrInvalidInput, c.spec.Name)
	}
	rec, err := domain.RecordFrom(v)
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	normalized, err := decode[T](rec)
	if err != nil {
		return nil, err
	}
	if err := c.validate.Struct(normalized); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidInput, c.spec.Name, err)
	}
	return rec, nil
}

func (c *Collection[T]) records(ctx context.Context) ([]*domain.Record, error) {
	recs, err := c.store.GetAll(ctx, c.spec.Name)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		return recs, nil
	}
	return c.legacyRecords(ctx)
}

// legacyRecords reads the pre-migration blob: a JSON array of records.
func (c *Collection[T]) legacyRecords(ctx context.Context) ([]*domain.Record, error) {
	if c.legacy == nil || c.spec.LegacyKey == "" {
		return nil, nil
	}
	blob, err := c.legacy.GetLegacy(ctx, c.spec.LegacyKey)
	if err != nil || blob == nil {
		return nil, err
	}

	var recs []*domain.Record
	if err := json.Unmarshal(blob, &recs); err != nil {
		c.logger.Warn("unreadable legacy blob",
			zap.String("legacy_key", c.spec.LegacyKey),
			zap.Error(err),
		)
		return nil, nil
	}

	out := recs[:0]
	for _, r := range recs {
		if r != nil && r.ID != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

func decode[T any](rec *domain.Record) (*T, error) {
	var v T
	if err := rec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", rec.ID, err)
	}
	return &v, nil
}

func decodeAll[T any](recs []*domain.Record) ([]*T, error) {
	out := make([]*T, 0, len(recs))
	for _, rec := range recs {
		v, err := decode[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
