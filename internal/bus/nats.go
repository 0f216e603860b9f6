package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/domain"
)

// Header keys carrying message metadata. The NATS payload is the raw event
// body so non-Go consumers can read it without an envelope.
const (
	headerID          = "Folio-Msg-Id"
	headerSource      = "Folio-Source"
	headerPublishedAt = "Folio-Published-At"
)

// NATSBus shares lifecycle events between agents on one NATS server, so a
// dashboard or a second agent sees drains and abandoned entries.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	source string
	logger *zap.Logger

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	topic  string
	bus    *NATSBus
	sub    *nats.Subscription
	cancel context.CancelFunc
}

// NewNATSBus connects to cfg.NATSUrl. When the server is not reachable yet
// the client keeps retrying in the background and publishes are buffered.
func NewNATSBus(cfg domain.EventBusConfig, logger *zap.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := cfg.NATSSubjectPrefix
	if prefix == "" {
		prefix = "folio"
	}
	source := cfg.Source
	if source == "" {
		source, _ = os.Hostname()
	}
	maxReconnects := cfg.NATSMaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait == 0 {
		wait = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("folio:" + source),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(wait),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectBufSize(4 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("nats async error", fields...)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	logger.Info("nats bus ready",
		zap.String("url", url),
		zap.String("subject_prefix", prefix),
		zap.Bool("connected", conn.IsConnected()),
	)

	return &NATSBus{
		conn:   conn,
		prefix: prefix,
		source: source,
		logger: logger,
		subs:   make(map[*natsSubscription]struct{}),
	}, nil
}

func (b *NATSBus) subject(topic string) string {
	return b.prefix + "." + topic
}

// Publish sends payload on the topic's subject with metadata in headers.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := domain.NewMessage(topic, b.source, payload)

	out := nats.NewMsg(b.subject(topic))
	out.Data = payload
	out.Header.Set(headerID, msg.ID)
	out.Header.Set(headerSource, msg.Source)
	out.Header.Set(headerPublishedAt, msg.PublishedAt.UTC().Format(time.RFC3339Nano))

	if err := b.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers messages on topic to handler until Unsubscribe or ctx
// ends. NATS runs handlers for one subscription sequentially.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	s := &natsSubscription{topic: topic, bus: b, cancel: cancel}
	natsSub, err := b.conn.Subscribe(b.subject(topic), func(m *nats.Msg) {
		msg := decodeMsg(topic, m)
		if err := handler(subCtx, msg); err != nil {
			b.logger.Error("handler error",
				zap.String("topic", topic),
				zap.String("message_id", msg.ID),
				zap.String("source", msg.Source),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	s.sub = natsSub

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	context.AfterFunc(subCtx, func() { _ = s.Unsubscribe() })
	return s, nil
}

func decodeMsg(topic string, m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Topic:   topic,
		Payload: m.Data,
	}
	if m.Header != nil {
		msg.ID = m.Header.Get(headerID)
		msg.Source = m.Header.Get(headerSource)
		msg.PublishedAt, _ = time.Parse(time.RFC3339Nano, m.Header.Get(headerPublishedAt))
	}
	return msg
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats not connected (status %s)", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*natsSubscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.cancel()
	}
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.conn.Close()
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	return nil
}

// Unsubscribe stops delivery. Calling it twice is harmless.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.cancel()

	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrConnectionDraining) {
		return err
	}
	return nil
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
