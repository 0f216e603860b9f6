// Package syncer drains the sync queue against the backend.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/domain"
	"github.com/opensource-finance/folio/internal/metrics"
)

var tracer = otel.Tracer("folio-syncer")

// Connectivity reports whether the backend is reachable.
type Connectivity interface {
	Online() bool
}

// Deps are the collaborators of a Manager. Bus and Metrics are optional.
type Deps struct {
	Queue        domain.SyncQueue
	Handlers     map[string]domain.SyncHandler
	Catalog      domain.Catalog
	Connectivity Connectivity
	Bus          domain.EventBus
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Manager runs drains of the sync queue. At most one drain runs at a time.
type Manager struct {
	queue    domain.SyncQueue
	handlers map[string]domain.SyncHandler
	conn     Connectivity
	bus      domain.EventBus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	maxRetry int
	timeout  time.Duration

	syncing atomic.Bool
	last    atomic.Pointer[domain.DrainResult]
}

// NewManager creates a manager. Every collection in the catalog needs a
// handler.
func NewManager(deps Deps, cfg domain.SyncConfig) (*Manager, error) {
	if deps.Queue == nil {
		return nil, errors.New("syncer: a queue is required")
	}
	if deps.Connectivity == nil {
		return nil, errors.New("syncer: a connectivity source is required")
	}

	var missing []string
	for _, name := range deps.Catalog.Names() {
		if deps.Handlers[name] == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("syncer: no handler for collections: %s", strings.Join(missing, ", "))
	}

	maxRetry := cfg.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = domain.MaxRetryCount
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		queue:    deps.Queue,
		handlers: deps.Handlers,
		conn:     deps.Connectivity,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		logger:   logger.Named("syncer"),
		maxRetry: maxRetry,
		timeout:  cfg.HandlerTimeout,
	}, nil
}

// Syncing reports whether a drain is in progress.
func (m *Manager) Syncing() bool {
	return m.syncing.Load()
}

// LastResult returns the outcome of the most recent completed drain.
func (m *Manager) LastResult() (domain.DrainResult, bool) {
	r := m.last.Load()
	if r == nil {
		return domain.DrainResult{}, false
	}
	return *r, true
}

// Drain pushes every eligible entry to its handler, oldest first.
//
// A drain started while another is running returns a zero result at once.
// While offline it returns a result with Offline set. Entries at the retry
// ceiling are moved to the dead-letter collection and never dispatched.
// Cancelling ctx does not interrupt a drain in progress.
func (m *Manager) Drain(ctx context.Context) (domain.DrainResult, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		m.metrics.ObserveDrain(metrics.OutcomeSkipped, 0)
		m.logger.Debug("drain already in progress")
		return domain.DrainResult{}, nil
	}
	defer m.syncing.Store(false)

	if !m.conn.Online() {
		m.metrics.ObserveDrain(metrics.OutcomeOffline, 0)
		m.logger.Debug("offline, drain skipped")
		return domain.DrainResult{Offline: true}, nil
	}

	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "sync.drain")
	defer span.End()

	start := time.Now()
	var res domain.DrainResult

	entries, err := m.queue.Pending(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.ObserveDrain(metrics.OutcomeError, time.Since(start))
		return res, fmt.Errorf("failed to read sync queue: %w", err)
	}

	eligible := make([]*domain.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if e.Exhausted(m.maxRetry) {
			m.abandon(ctx, e, &res)
			continue
		}
		eligible = append(eligible, e)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Timestamp.Before(eligible[j].Timestamp)
	})

	for _, e := range eligible {
		if err := m.dispatch(ctx, e); err != nil {
			res.Failed++
			m.metrics.ObserveEntry(metrics.OutcomeFailed, e.StoreName)
			m.logger.Warn("sync entry failed",
				zap.String("entry_id", e.ID),
				zap.String("collection", e.StoreName),
				zap.String("operation", string(e.Operation)),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Error(err),
			)
			if err := m.queue.MarkFailed(ctx, e.ID, err.Error()); err != nil {
				m.logger.Error("failed to record sync failure", zap.String("entry_id", e.ID), zap.Error(err))
			}
			continue
		}

		res.Success++
		m.metrics.ObserveEntry(metrics.OutcomeSuccess, e.StoreName)
		if err := m.queue.MarkSynced(ctx, e); err != nil {
			m.logger.Error("failed to mark entry synced", zap.String("entry_id", e.ID), zap.Error(err))
		}
	}

	elapsed := time.Since(start)
	outcome := metrics.OutcomeSuccess
	if res.Failed > 0 {
		outcome = metrics.OutcomeFailed
	}
	m.metrics.ObserveDrain(outcome, elapsed)
	if n, err := m.queue.Count(ctx); err == nil {
		m.metrics.SetQueueDepth(n)
	}

	span.SetAttributes(
		attribute.Int("sync.success", res.Success),
		attribute.Int("sync.failed", res.Failed),
		attribute.Int("sync.abandoned", res.Abandoned),
	)
	m.last.Store(&res)
	m.publish(ctx, domain.TopicDrainCompleted, res)

	m.logger.Info("drain completed",
		zap.Int("success", res.Success),
		zap.Int("failed", res.Failed),
		zap.Int("abandoned", res.Abandoned),
		zap.Duration("duration", elapsed),
	)
	return res, nil
}

func (m *Manager) abandon(ctx context.Context, e *domain.QueueEntry, res *domain.DrainResult) {
	reason := fmt.Sprintf("retry ceiling of %d reached", m.maxRetry)
	if e.LastError != "" {
		reason += ": " + e.LastError
	}

	m.logger.Warn("abandoning sync entry",
		zap.String("entry_id", e.ID),
		zap.String("collection", e.StoreName),
		zap.String("record_id", e.RecordID),
		zap.String("operation", string(e.Operation)),
		zap.Int("retry_count", e.RetryCount),
		zap.String("last_error", e.LastError),
	)
	if err := m.queue.Abandon(ctx, e, reason); err != nil {
		m.logger.Error("failed to move entry to dead letters", zap.String("entry_id", e.ID), zap.Error(err))
		return
	}
	res.Abandoned++
	m.metrics.ObserveEntry(metrics.OutcomeAbandoned, e.StoreName)
	m.publish(ctx, domain.TopicEntryAbandoned, e)
}

// dispatch sends one entry to its handler. Panics become errors.
func (m *Manager) dispatch(ctx context.Context, e *domain.QueueEntry) (err error) {
	ctx, span := tracer.Start(ctx, "sync.dispatch", trace.WithAttributes(
		attribute.String("sync.entry_id", e.ID),
		attribute.String("sync.collection", e.StoreName),
		attribute.String("sync.operation", string(e.Operation)),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			m.logger.Error("sync handler panicked",
				zap.String("entry_id", e.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	mut, err := e.Mutation()
	if err != nil {
		return err
	}
	h := m.handlers[mut.StoreName()]
	if h == nil {
		return fmt.Errorf("%w: no handler for %s", domain.ErrUnknownCollection, mut.StoreName())
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	switch mu := mut.(type) {
	case domain.Create:
		return h.Create(ctx, mu)
	case domain.Update:
		return h.Update(ctx, mu)
	case domain.Delete:
		return h.Delete(ctx, mu)
	default:
		return fmt.Errorf("unsupported mutation %T", mut)
	}
}

func (m *Manager) publish(ctx context.Context, topic string, v any) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err == nil {
		err = m.bus.Publish(ctx, topic, payload)
	}
	if err != nil {
		m.logger.Warn("failed to publish sync event", zap.String("topic", topic), zap.Error(err))
	}
}
