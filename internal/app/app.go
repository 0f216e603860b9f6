// Package app wires the sync agent's components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/api"
	"github.com/opensource-finance/folio/internal/bus"
	"github.com/opensource-finance/folio/internal/cache"
	"github.com/opensource-finance/folio/internal/connectivity"
	"github.com/opensource-finance/folio/internal/domain"
	"github.com/opensource-finance/folio/internal/metrics"
	"github.com/opensource-finance/folio/internal/query"
	"github.com/opensource-finance/folio/internal/remote"
	"github.com/opensource-finance/folio/internal/repository"
	"github.com/opensource-finance/folio/internal/stores"
	"github.com/opensource-finance/folio/internal/syncer"
	"github.com/opensource-finance/folio/internal/worker"
)

// Version is reported by /health.
var Version = "dev"

type options struct {
	handlers map[string]domain.SyncHandler
	pinger   connectivity.Pinger
	online   bool
}

// Option customizes New.
type Option func(*options)

// WithHandlers replaces the REST handlers, for embedding or tests.
func WithHandlers(h map[string]domain.SyncHandler) Option {
	return func(o *options) { o.handlers = h }
}

// WithPinger replaces the backend health probe.
func WithPinger(p connectivity.Pinger) Option {
	return func(o *options) { o.pinger = p }
}

// WithOnline sets the initial connectivity state. The default is offline
// until the first probe or an explicit set.
func WithOnline(online bool) Option {
	return func(o *options) { o.online = online }
}

// App owns every component of a running agent.
type App struct {
	cfg    *domain.Config
	logger *zap.Logger

	Repo    *repository.SQLRepository
	Cache   domain.Cache
	Bus     domain.EventBus
	Filters *query.Engine
	Stores  *stores.Stores
	Monitor *connectivity.Monitor
	Syncer  *syncer.Manager
	Worker  *worker.Worker
	Metrics *metrics.Metrics
	Server  *api.Server

	ready     chan struct{}
	readyOnce sync.Once
	started   bool
	closeOnce sync.Once
	closeErr  error
}

// New constructs every component. Nothing touches the database until
// Connect or Init.
func New(cfg *domain.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan struct{}),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	repo, err := repository.New(cfg.Repository, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository: %w", err)
	}
	a.Repo = repo
	c, err := cache.New(cfg.Cache, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	a.Cache = c
	b, err := bus.New(cfg.EventBus, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	a.Bus = b
	a.Filters, err = query.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter engine: %w", err)
	}

	catalog := a.Repo.Catalog()
	a.Stores, err = stores.New(catalog, stores.Deps{
		Store:   a.Repo,
		Legacy:  a.Repo,
		Filters: a.Filters,
		Logger:  logger,
	}, a.Cache, cfg.Cache.DefaultTTL)
	if err != nil {
		return nil, err
	}

	handlers, pinger := o.handlers, o.pinger
	if handlers == nil || pinger == nil {
		client, err := remote.NewClient(cfg.Remote)
		if err != nil {
			return nil, err
		}
		if handlers == nil {
			handlers = remote.Handlers(client, cfg.Remote.Routes)
		}
		if pinger == nil {
			pinger = client
		}
	}

	a.Monitor = connectivity.NewMonitor(a.Bus, pinger, cfg.Remote.ProbeInterval, o.online, logger)
	a.Metrics = metrics.New()
	if local, ok := a.Cache.(interface{ Stats() cache.LRUStats }); ok {
		err = a.Metrics.WatchCache(func() metrics.CacheStats {
			s := local.Stats()
			return metrics.CacheStats{Size: s.Size, Hits: s.Hits, Misses: s.Misses, Evictions: s.Evictions}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register cache metrics: %w", err)
		}
	}

	a.Syncer, err = syncer.NewManager(syncer.Deps{
		Queue:        a.Repo,
		Handlers:     handlers,
		Catalog:      catalog,
		Connectivity: a.Monitor,
		Bus:          a.Bus,
		Metrics:      a.Metrics,
		Logger:       logger,
	}, cfg.Sync)
	if err != nil {
		return nil, err
	}

	a.Worker = worker.NewWorker(a.Syncer, a.Cache, a.Bus, logger)
	a.Worker.OnSwept = a.Metrics.AddSwept

	a.Server = api.NewServer(cfg.Server, api.Deps{
		Store:        a.Repo,
		Queue:        a.Repo,
		Cache:        a.Cache,
		Sweeper:      sweeperFunc(a.Sweep),
		Stores:       a.Stores,
		Filters:      a.Filters,
		Syncer:       a.Syncer,
		Connectivity: a.Monitor,
		Ready:        a.IsReady,
		Metrics:      a.Metrics.Handler(),
		Logger:       logger,
		Version:      Version,
	})
	return a, nil
}

type sweeperFunc func(ctx context.Context) (int, error)

func (f sweeperFunc) Sweep(ctx context.Context) (int, error) { return f(ctx) }

// Connect opens the database and applies migrations.
func (a *App) Connect(ctx context.Context) error {
	if err := a.Repo.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect repository: %w", err)
	}
	return nil
}

// Init connects, sweeps the cache once, starts the background components
// and then signals readiness.
func (a *App) Init(ctx context.Context) error {
	if err := a.Connect(ctx); err != nil {
		return err
	}

	if _, err := a.Sweep(ctx); err != nil {
		a.logger.Warn("initial cache sweep failed", zap.Error(err))
	}

	a.Monitor.Start(context.Background())
	if err := a.Worker.Start(worker.Config{
		SyncInterval:  a.cfg.Sync.Interval,
		SweepInterval: a.cfg.Cache.SweepInterval,
	}); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	a.started = true

	if a.cfg.Tracing.Enabled {
		a.logger.Info("tracing enabled", zap.String("service_name", a.cfg.Tracing.ServiceName))
	}

	a.readyOnce.Do(func() { close(a.ready) })
	a.logger.Info("folio ready",
		zap.String("driver", a.cfg.Repository.Driver),
		zap.String("cache", a.cfg.Cache.Type),
		zap.String("bus", a.cfg.EventBus.Type),
		zap.Bool("online", a.Monitor.Online()),
	)
	return nil
}

// Ready is closed once Init has finished.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// IsReady reports whether Init has finished.
func (a *App) IsReady() bool {
	select {
	case <-a.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until Init finished, ctx ends or timeout elapses. It
// reports whether the app became ready.
func (a *App) WaitReady(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.ready:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Sweep removes expired cache items and records the count.
func (a *App) Sweep(ctx context.Context) (int, error) {
	n, err := a.Cache.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	a.Metrics.AddSwept(n)
	if n > 0 {
		a.logger.Info("cache swept", zap.Int("removed", n))
	}
	return n, nil
}

// Serve runs the HTTP server until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.Server.Addr()))
		errCh <- a.Server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return <-errCh
}

// Close stops everything in reverse start order.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error

		if a.started {
			errs = append(errs, a.Worker.Stop())
		}
		if a.Monitor != nil {
			a.Monitor.Stop()
		}
		if a.Bus != nil {
			errs = append(errs, a.Bus.Close())
		}
		if a.Cache != nil {
			errs = append(errs, a.Cache.Close())
		}
		if a.Repo != nil {
			errs = append(errs, a.Repo.Close())
		}

		a.closeErr = errors.Join(errs...)
		a.logger.Info("folio stopped")
	})
	return a.closeErr
}
