package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the notifier named by cfg.Notifier.
func New(cfg domain.DispatchConfig, bus domain.EventBus) (domain.Notifier, error) {
	switch cfg.Notifier {
	case "log":
		return NewLogNotifier(slog.Default()), nil
	case "bus", "":
		return NewBusNotifier(bus, false), nil
	case "bus-ack":
		return NewBusNotifier(bus, true), nil
	default:
		return nil, fmt.Errorf("unsupported notifier: %s", cfg.Notifier)
	}
}

// LogNotifier writes alerts to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the alert.
func (n *LogNotifier) Notify(ctx context.Context, alert *domain.Alert) error {
	n.logger.InfoContext(ctx, "alert",
		"alert_id", alert.ID,
		"rule_id", alert.RuleID,
		"priority", alert.Priority,
		"subject", alert.Subject,
		"message", alert.Message,
	)
	return nil
}

// Name returns the notifier name.
func (n *LogNotifier) Name() string { return "log" }

// BusNotifier publishes alerts on the alert topic. With ack set it waits
// for a consumer to reply with the alert ID.
type BusNotifier struct {
	bus domain.EventBus
	ack bool
}

// NewBusNotifier creates a bus notifier.
func NewBusNotifier(bus domain.EventBus, ack bool) *BusNotifier {
	return &BusNotifier{bus: bus, ack: ack}
}

// Notify publishes the alert.
func (n *BusNotifier) Notify(ctx context.Context, alert *domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alert.ID, err)
	}

	if !n.ack {
		return n.bus.Publish(ctx, domain.TopicAlert, payload)
	}

	reply, err := n.bus.Request(ctx, domain.TopicAlert, payload)
	if err != nil {
		return err
	}
	if got := strings.TrimPrefix(string(reply), ackPrefix); got != alert.ID {
		return fmt.Errorf("alert %s acknowledged as %q", alert.ID, string(reply))
	}
	return nil
}

// Name returns the notifier name.
func (n *BusNotifier) Name() string {
	if n.ack {
		return "bus-ack"
	}
	return "bus"
}
