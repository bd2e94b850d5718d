package domain

import "context"

// TransactionFeed yields ordered, per-block batches.
//
// Next blocks until the next block is available. A *TransientFeedError means
// the source is temporarily unavailable and the same position will be served
// again on the next call. Commit acknowledges that a block was fully processed.
type TransactionFeed interface {
	Next(ctx context.Context) (*Block, error)
	Commit(ctx context.Context, blockNumber uint64) error
	Close() error
}

// FeedConfig selects and configures the transaction feed.
type FeedConfig struct {
	// Type is "memory", "kafka" or "websocket"
	Type string `toml:"type"`

	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`
	KafkaGroup   string   `toml:"kafka_group"`

	WebSocketURL string `toml:"websocket_url"`

	// Retry policy for transient feed failures
	RetryInitial Duration `toml:"retry_initial"`
	RetryMax     Duration `toml:"retry_max"`
}
