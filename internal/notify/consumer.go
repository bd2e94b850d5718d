package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/patrickmn/go-cache"
)

const ackPrefix = "ack:"

// Deduper drops alerts whose ID was already handled within the TTL.
// Delivery is at-least-once, so consumers see retried alerts twice.
type Deduper struct {
	seen *cache.Cache
}

// NewDeduper creates a deduper.
func NewDeduper(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Deduper{seen: cache.New(ttl, 2*ttl)}
}

// First reports whether id is seen for the first time, and records it.
func (d *Deduper) First(id string) bool {
	return d.seen.Add(id, struct{}{}, cache.DefaultExpiration) == nil
}

// AlertHandler returns a bus handler that decodes alerts, passes each
// distinct alert to sink once, and acknowledges every copy.
func AlertHandler(dedup *Deduper, sink func(context.Context, *domain.Alert) error) domain.MessageHandler {
	return func(ctx context.Context, msg *domain.Message) ([]byte, error) {
		var alert domain.Alert
		if err := json.Unmarshal(msg.Payload, &alert); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		if dedup.First(alert.ID) {
			if err := sink(ctx, &alert); err != nil {
				// let the sender retry
				dedup.seen.Delete(alert.ID)
				return nil, err
			}
		}
		return []byte(ackPrefix + alert.ID), nil
	}
}
