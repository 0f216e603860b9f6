// Package worker runs the background triggers of the sync agent.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/domain"
)

// Drainer runs one drain of the sync queue.
type Drainer interface {
	Drain(ctx context.Context) (domain.DrainResult, error)
}

// Sweeper removes expired cache items.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Config holds scheduler intervals. A zero interval disables that ticker.
type Config struct {
	SyncInterval  time.Duration
	SweepInterval time.Duration
}

// Worker drains the sync queue on a ticker and whenever connectivity is
// restored, and optionally sweeps the cache.
type Worker struct {
	drainer Drainer
	sweeper Sweeper
	bus     domain.EventBus
	logger  *zap.Logger

	// OnSwept is called with the count of every sweep.
	OnSwept func(n int)

	// mu guards subscriptions and stopped, and orders wg.Add before Stop's
	// wg.Wait.
	mu            sync.Mutex
	subscriptions []domain.Subscription
	stopped       bool
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a scheduler. bus and sweeper may be nil.
func NewWorker(drainer Drainer, sweeper Sweeper, bus domain.EventBus, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		drainer: drainer,
		sweeper: sweeper,
		bus:     bus,
		logger:  logger.Named("worker"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to connectivity events and starts the tickers.
func (w *Worker) Start(cfg Config) error {
	if w.bus != nil {
		sub, err := w.bus.Subscribe(w.ctx, domain.TopicConnectivityOnline, w.handleOnline)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	if cfg.SyncInterval > 0 {
		w.every(cfg.SyncInterval, func(ctx context.Context) { w.Drain(ctx, "interval") })
	}
	if cfg.SweepInterval > 0 && w.sweeper != nil {
		w.every(cfg.SweepInterval, func(ctx context.Context) { w.Sweep(ctx) })
	}

	w.logger.Info("worker started",
		zap.Duration("sync_interval", cfg.SyncInterval),
		zap.Duration("sweep_interval", cfg.SweepInterval),
	)
	return nil
}

func (w *Worker) every(d time.Duration, fn func(ctx context.Context)) {
	if !w.track() {
		return
	}
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				fn(w.ctx)
			}
		}
	}()
}

// handleOnline drains in the background so the bus is not held up.
func (w *Worker) handleOnline(ctx context.Context, msg *domain.Message) error {
	if !w.track() {
		return nil
	}
	go func() {
		defer w.wg.Done()
		w.Drain(w.ctx, "connectivity")
	}()
	return nil
}

// track registers one background goroutine. It reports false once Stop has
// begun.
func (w *Worker) track() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.wg.Add(1)
	return true
}

// Drain runs one drain and logs its outcome. trigger names the cause.
func (w *Worker) Drain(ctx context.Context, trigger string) domain.DrainResult {
	res, err := w.drainer.Drain(ctx)
	if err != nil {
		w.logger.Error("drain failed", zap.String("trigger", trigger), zap.Error(err))
		return res
	}
	w.logger.Debug("drain finished",
		zap.String("trigger", trigger),
		zap.Int("success", res.Success),
		zap.Int("failed", res.Failed),
		zap.Bool("offline", res.Offline),
	)
	return res
}

// Sweep runs one cache sweep and logs its outcome.
func (w *Worker) Sweep(ctx context.Context) int {
	if w.sweeper == nil {
		return 0
	}
	n, err := w.sweeper.Sweep(ctx)
	if err != nil {
		w.logger.Error("cache sweep failed", zap.Error(err))
		return 0
	}
	if w.OnSwept != nil {
		w.OnSwept(n)
	}
	if n > 0 {
		w.logger.Info("cache swept", zap.Int("removed", n))
	}
	return n
}

// Stop cancels the tickers and waits for in-flight work.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	w.cancel()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				zap.String("topic", sub.Topic()),
				zap.Error(err),
			)
		}
	}

	w.wg.Wait()

	w.logger.Info("worker stopped")
	return nil
}

// Stats describes the running scheduler.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
