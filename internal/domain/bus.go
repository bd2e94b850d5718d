package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages. A non-nil return value from a
// request handler is sent back to the requester as the reply payload.
type MessageHandler func(ctx context.Context, msg *Message) ([]byte, error)

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
	ReplyTo   string            `json:"replyTo,omitempty"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `toml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `toml:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `toml:"nats_url"`
	NATSToken         string `toml:"nats_token"`
	NATSMaxReconnects int    `toml:"nats_max_reconnects"`
	NATSReconnectWait int    `toml:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup, when set, makes kestrel processes share each topic so
	// an alert reaches one consumer rather than all of them.
	NATSQueueGroup string `toml:"nats_queue_group"`
}

// Standard topic names.
const (
	TopicAlert       = "kestrel.alert"
	TopicMEVSignal   = "kestrel.mev.signal"
	TopicRiskScore   = "kestrel.risk.score"
	TopicEntityMerge = "kestrel.entity.merge"
)
