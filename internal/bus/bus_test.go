package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/opensource-finance/folio/internal/domain"
)

const waitFor = time.Second

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100, zaptest.NewLogger(t))
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		got := make(chan *domain.Message, 1)
		_, err := bus.Subscribe(ctx, domain.TopicConnectivityOnline, func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, domain.TopicConnectivityOnline, []byte("hello")))

		select {
		case msg := <-got:
			assert.Equal(t, "hello", string(msg.Payload))
			assert.Equal(t, domain.TopicConnectivityOnline, msg.Topic)
			assert.NotEmpty(t, msg.ID)
		case <-time.After(waitFor):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var online, offline atomic.Int32
		_, err := bus.Subscribe(ctx, "iso.online", func(ctx context.Context, msg *domain.Message) error {
			online.Add(1)
			return nil
		})
		require.NoError(t, err)
		_, err = bus.Subscribe(ctx, "iso.offline", func(ctx context.Context, msg *domain.Message) error {
			offline.Add(1)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, "iso.online", nil))

		assert.Eventually(t, func() bool { return online.Load() == 1 }, waitFor, 5*time.Millisecond)
		assert.Zero(t, offline.Load())
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, err := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, "unsub.topic", []byte("msg1")))
		assert.Eventually(t, func() bool { return count.Load() == 1 }, waitFor, 5*time.Millisecond)

		require.NoError(t, sub.Unsubscribe())
		require.NoError(t, bus.Publish(ctx, "unsub.topic", []byte("msg2")))

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), count.Load())
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32
		_, _ = bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		_, _ = bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		require.NoError(t, bus.Publish(ctx, "multi.topic", []byte("broadcast")))

		assert.Eventually(t, func() bool {
			return count1.Load() == 1 && count2.Load() == 1
		}, waitFor, 5*time.Millisecond)
	})

	t.Run("HandlerErrorDoesNotStopSubscription", func(t *testing.T) {
		var calls atomic.Int32
		_, err := bus.Subscribe(ctx, "err.topic", func(ctx context.Context, msg *domain.Message) error {
			calls.Add(1)
			return assert.AnError
		})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, "err.topic", nil))
		require.NoError(t, bus.Publish(ctx, "err.topic", nil))

		assert.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, 5*time.Millisecond)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, bus.Ping(ctx))
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, err := bus.Subscribe(ctx, domain.TopicDrainCompleted, func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, domain.TopicDrainCompleted, sub.Topic())
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(10, nil)
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "topic", func(ctx context.Context, msg *domain.Message) error { return nil })
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Ping(ctx), ErrClosed)
	assert.ErrorIs(t, bus.Publish(ctx, "topic", nil), ErrClosed)

	_, err = bus.Subscribe(ctx, "topic", func(ctx context.Context, msg *domain.Message) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannelBusCloseWaitsForHandlers(t *testing.T) {
	bus := NewChannelBus(10, nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	_, err := bus.Subscribe(ctx, "slow", func(ctx context.Context, msg *domain.Message) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "slow", nil))
	<-started

	closed := make(chan struct{})
	go func() {
		_ = bus.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case <-closed:
		assert.True(t, finished.Load())
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}
}

func TestChannelBusContextEndsSubscription(t *testing.T) {
	bus := NewChannelBus(10, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	_, err := bus.Subscribe(ctx, "scoped", func(context.Context, *domain.Message) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.topics["scoped"]) == 0
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "scoped", nil))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(10000, nil)
	defer bus.Close()
	ctx := context.Background()

	var received atomic.Int64
	_, err := bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	const messages = 1000
	for i := 0; i < messages; i++ {
		require.NoError(t, bus.Publish(ctx, "load.topic", []byte("x")))
	}

	assert.Eventually(t, func() bool { return received.Load() == messages }, 5*time.Second, 10*time.Millisecond)
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10}, nil)
		require.NoError(t, err)
		defer b.Close()

		_, ok := b.(*ChannelBus)
		assert.True(t, ok, "expected ChannelBus for channel type")
	})

	t.Run("DefaultIsChannel", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{}, nil)
		require.NoError(t, err)
		defer b.Close()

		_, ok := b.(*ChannelBus)
		assert.True(t, ok)
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"}, nil)
		assert.Error(t, err)
	})
}

func TestNATSSubjectAndHeaders(t *testing.T) {
	b := &NATSBus{prefix: "folio"}
	assert.Equal(t, "folio.connectivity.online", b.subject(domain.TopicConnectivityOnline))

	published := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := nats.NewMsg(b.subject(domain.TopicDrainCompleted))
	m.Data = []byte(`{"success":2}`)
	m.Header.Set(headerID, "msg-1")
	m.Header.Set(headerSource, "agent-a")
	m.Header.Set(headerPublishedAt, published.Format(time.RFC3339Nano))

	msg := decodeMsg(domain.TopicDrainCompleted, m)
	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, "agent-a", msg.Source)
	assert.Equal(t, domain.TopicDrainCompleted, msg.Topic)
	assert.True(t, published.Equal(msg.PublishedAt))
	assert.JSONEq(t, `{"success":2}`, string(msg.Payload))

	bare := decodeMsg("x", &nats.Msg{Data: []byte("raw")})
	assert.Empty(t, bare.ID)
	assert.Equal(t, "raw", string(bare.Payload))
}

func TestChannelMessageSource(t *testing.T) {
	b, err := New(domain.EventBusConfig{Source: "agent-7"}, nil)
	require.NoError(t, err)
	defer b.Close()

	got := make(chan *domain.Message, 1)
	_, err = b.Subscribe(context.Background(), "t", func(_ context.Context, msg *domain.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "t", []byte("p")))

	select {
	case msg := <-got:
		assert.Equal(t, "agent-7", msg.Source)
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.PublishedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
