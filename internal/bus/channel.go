package bus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/domain"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// ChannelBus delivers events inside one process. Each subscription owns a
// buffered channel and a goroutine, so a slow handler only delays its own
// messages.
type ChannelBus struct {
	source     string
	bufferSize int
	logger     *zap.Logger

	mu     sync.RWMutex
	topics map[string]map[*channelSubscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

type channelSubscription struct {
	topic   string
	bus     *ChannelBus
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewChannelBus creates an in-process bus. Subscribers that fall more than
// bufferSize messages behind miss messages.
func NewChannelBus(bufferSize int, logger *zap.Logger) *ChannelBus {
	return newChannelBus(bufferSize, "local", logger)
}

func newChannelBus(bufferSize int, source string, logger *zap.Logger) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelBus{
		source:     source,
		bufferSize: bufferSize,
		logger:     logger,
		topics:     make(map[string]map[*channelSubscription]struct{}),
	}
}

// Publish hands the message to every current subscriber of topic without
// blocking.
func (b *ChannelBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := domain.NewMessage(topic, b.source, payload)
	for sub := range b.topics[topic] {
		select {
		case sub.inbox <- msg:
		default:
			b.logger.Warn("subscriber inbox full, message dropped",
				zap.String("topic", topic),
				zap.String("message_id", msg.ID),
			)
		}
	}
	return nil
}

// Subscribe starts delivering topic to handler. Delivery stops on
// Unsubscribe, when ctx ends, or when the bus closes.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		topic:   topic,
		bus:     b,
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*channelSubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}

	b.wg.Add(1)
	go b.deliver(sub)
	return sub, nil
}

func (b *ChannelBus) deliver(sub *channelSubscription) {
	defer b.wg.Done()
	defer sub.Unsubscribe()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg := <-sub.inbox:
			if err := sub.handler(sub.ctx, msg); err != nil {
				b.logger.Error("handler error",
					zap.String("topic", msg.Topic),
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
			}
		}
	}
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription and waits for running handlers to return.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for sub := range subs {
			sub.cancel()
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Unsubscribe stops delivery. Calling it more than once is harmless.
func (s *channelSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.mu.Lock()
		delete(s.bus.topics[s.topic], s)
		if len(s.bus.topics[s.topic]) == 0 {
			delete(s.bus.topics, s.topic)
		}
		s.bus.mu.Unlock()
	})
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
