package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lifecycle topics published by the agent.
const (
	TopicConnectivityOnline  = "connectivity.online"
	TopicConnectivityOffline = "connectivity.offline"
	TopicDrainCompleted      = "sync.drain.completed"
	TopicEntryAbandoned      = "sync.entry.abandoned"
)

// EventBus fans lifecycle events out to in-process or remote subscribers.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe runs handler for every message on topic until the
	// subscription is removed or ctx ends.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes one delivered message. Returned errors are logged.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is one event on the bus. Payload is opaque to the bus; the sync
// components put JSON in it.
type Message struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Source      string    `json:"source,omitempty"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"publishedAt"`
}

// NewMessage stamps payload with a fresh id and the current time.
func NewMessage(topic, source string, payload []byte) *Message {
	return &Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Source:      source,
		Payload:     payload,
		PublishedAt: time.Now(),
	}
}

// Subscription is an active registration on a topic.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus.
type EventBusConfig struct {
	// Type is "channel" (in-process) or "nats".
	Type string

	// Source names this agent in published messages. Defaults to the
	// hostname on NATS and "local" on channels.
	Source string

	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSSubjectPrefix string // defaults to "folio"
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}
