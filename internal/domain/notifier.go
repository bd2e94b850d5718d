package domain

import "context"

// Notifier delivers fully-formed alerts. Delivery is at-least-once;
// receivers de-duplicate on Alert.ID.
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
	Name() string
}

// DispatchConfig configures alert delivery.
type DispatchConfig struct {
	// Notifier is "bus", "bus-ack" or "log"
	Notifier     string   `toml:"notifier"`
	QueueSize    int      `toml:"queue_size"`
	Workers      int      `toml:"workers"`
	MaxAttempts  int      `toml:"max_attempts"`
	RetryInitial Duration `toml:"retry_initial"`
	RetryMax     Duration `toml:"retry_max"`
	Timeout      Duration `toml:"timeout"`
}
