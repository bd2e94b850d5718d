// Package bus carries alert deliveries and pipeline events (MEV signals,
// risk updates, entity merges) between components and processes.
package bus

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the configured event bus: an in-process ChannelBus for the
// community tier or a NATSBus for the pro tier. Request/ack delivery works
// on both.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported event bus type %q", domain.ErrInvalidInput, cfg.Type)
	}
}
