// Package connectivity tracks whether the backend is reachable.
package connectivity

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/domain"
)

// Pinger probes the backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Event is the payload of the connectivity topics.
type Event struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Monitor holds the online flag and publishes transitions on the bus.
type Monitor struct {
	online atomic.Bool
	bus    domain.EventBus
	pinger Pinger
	every  time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor starting in the given state. With a non-nil
// pinger and a positive interval, Start runs a periodic probe.
func NewMonitor(bus domain.EventBus, pinger Pinger, every time.Duration, initial bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		bus:    bus,
		pinger: pinger,
		every:  every,
		logger: logger.Named("connectivity"),
	}
	m.online.Store(initial)
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Set records the state and publishes an event when it changed. It returns
// whether a transition happened.
func (m *Monitor) Set(ctx context.Context, online bool) bool {
	if m.online.Swap(online) == online {
		return false
	}

	topic := domain.TopicConnectivityOffline
	if online {
		topic = domain.TopicConnectivityOnline
	}
	m.logger.Info("connectivity changed", zap.Bool("online", online))

	if m.bus != nil {
		payload, _ := json.Marshal(Event{Online: online, At: time.Now().UTC()})
		if err := m.bus.Publish(ctx, topic, payload); err != nil {
			m.logger.Warn("failed to publish connectivity event",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}
	return true
}

// Probe pings the backend once and records the outcome.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.pinger == nil {
		return m.Online()
	}
	timeout := m.every
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.pinger.Ping(pctx)
	if err != nil {
		m.logger.Debug("backend probe failed", zap.Error(err))
	}
	m.Set(ctx, err == nil)
	return err == nil
}

// Start launches the probe loop. It is a no-op without a pinger or interval.
func (m *Monitor) Start(ctx context.Context) {
	if m.pinger == nil || m.every <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.every)
		defer ticker.Stop()

		m.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()
	m.logger.Info("connectivity probe started", zap.Duration("interval", m.every))
}

// Stop ends the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
