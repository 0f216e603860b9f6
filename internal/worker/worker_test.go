package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/opensource-finance/folio/internal/bus"
	"github.com/opensource-finance/folio/internal/domain"
)

type countingDrainer struct {
	calls   atomic.Int32
	release chan struct{}
	done    atomic.Int32
}

func (d *countingDrainer) Drain(ctx context.Context) (domain.DrainResult, error) {
	d.calls.Add(1)
	if d.release != nil {
		<-d.release
	}
	d.done.Add(1)
	return domain.DrainResult{Success: 1}, nil
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(ctx context.Context) (int, error) {
	s.calls.Add(1)
	return 2, s.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorker(t *testing.T) {
	logger := zaptest.NewLogger(t)
	eventBus := bus.NewChannelBus(100, logger)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(&countingDrainer{}, nil, eventBus, logger)

		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicConnectivityOnline {
			t.Errorf("expected topic %q, got %q", domain.TopicConnectivityOnline, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if n := w.GetStats().SubscriptionCount; n != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", n)
		}
	})

	t.Run("IntervalDrains", func(t *testing.T) {
		d := &countingDrainer{}
		w := NewWorker(d, nil, nil, logger)
		if err := w.Start(Config{SyncInterval: 10 * time.Millisecond}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		waitFor(t, func() bool { return d.calls.Load() >= 2 })
	})

	t.Run("ConnectivityRestoredDrains", func(t *testing.T) {
		d := &countingDrainer{}
		w := NewWorker(d, nil, eventBus, logger)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		if err := eventBus.Publish(context.Background(), domain.TopicConnectivityOnline, []byte(`{"online":true}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		waitFor(t, func() bool { return d.calls.Load() == 1 })

		if err := eventBus.Publish(context.Background(), domain.TopicConnectivityOffline, []byte(`{"online":false}`)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		time.Sleep(30 * time.Millisecond)
		if n := d.calls.Load(); n != 1 {
			t.Errorf("expected offline event to be ignored, got %d drains", n)
		}
	})

	t.Run("StopWaitsForInFlightDrain", func(t *testing.T) {
		d := &countingDrainer{release: make(chan struct{})}
		w := NewWorker(d, nil, nil, logger)
		if err := w.Start(Config{SyncInterval: 5 * time.Millisecond}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		waitFor(t, func() bool { return d.calls.Load() == 1 })

		stopped := make(chan struct{})
		go func() {
			_ = w.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
			t.Fatal("Stop returned while a drain was running")
		case <-time.After(30 * time.Millisecond):
		}

		close(d.release)
		<-stopped
		if d.done.Load() != d.calls.Load() {
			t.Errorf("expected every started drain to finish")
		}
	})

	t.Run("OnlineEventsDuringStop", func(t *testing.T) {
		for range 50 {
			d := &countingDrainer{}
			w := NewWorker(d, nil, eventBus, logger)
			if err := w.Start(Config{}); err != nil {
				t.Fatalf("Start failed: %v", err)
			}

			var wg sync.WaitGroup
			for range 4 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range 10 {
						_ = w.handleOnline(context.Background(), domain.NewMessage(domain.TopicConnectivityOnline, "test", nil))
						_ = w.GetStats()
					}
				}()
			}
			if err := w.Stop(); err != nil {
				t.Fatalf("Stop failed: %v", err)
			}
			after := d.done.Load()
			if started := d.calls.Load(); started != after {
				t.Fatalf("Stop returned with %d drains still running", started-after)
			}
			wg.Wait()

			if n := d.calls.Load(); n != after {
				t.Fatalf("expected no drains after Stop, got %d more", n-after)
			}
		}
	})

	t.Run("StopTwice", func(t *testing.T) {
		w := NewWorker(&countingDrainer{}, nil, eventBus, logger)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := w.Stop(); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		if err := w.Stop(); err != nil {
			t.Errorf("second Stop failed: %v", err)
		}
		if err := w.handleOnline(context.Background(), nil); err != nil {
			t.Errorf("handleOnline after Stop failed: %v", err)
		}
	})

	t.Run("SweepTicker", func(t *testing.T) {
		s := &countingSweeper{}
		var swept atomic.Int32
		w := NewWorker(&countingDrainer{}, s, nil, logger)
		w.OnSwept = func(n int) { swept.Add(int32(n)) }

		if err := w.Start(Config{SweepInterval: 10 * time.Millisecond}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		waitFor(t, func() bool { return s.calls.Load() >= 1 })
		_ = w.Stop()

		if swept.Load() < 2 {
			t.Errorf("expected swept count to be reported, got %d", swept.Load())
		}
	})

	t.Run("SweepError", func(t *testing.T) {
		w := NewWorker(&countingDrainer{}, &countingSweeper{err: errors.New("disk full")}, nil, logger)
		if n := w.Sweep(context.Background()); n != 0 {
			t.Errorf("expected 0 on error, got %d", n)
		}
	})

	t.Run("NoSweeper", func(t *testing.T) {
		w := NewWorker(&countingDrainer{}, nil, nil, logger)
		if n := w.Sweep(context.Background()); n != 0 {
			t.Errorf("expected 0 without sweeper, got %d", n)
		}
	})
}
