package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Message identity travels in NATS headers so subscribers outside this
// process receive the alert or event JSON as the bare message body.
const (
	headerID        = "Kestrel-Msg-Id"
	headerTimestamp = "Kestrel-Timestamp"
)

// NATSBus implements EventBus over NATS. Subscribers that share a queue
// group split a topic between them, so each alert is handled by exactly one
// kestrel process.
type NATSBus struct {
	conn  *nats.Conn
	queue string
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("event bus disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("event bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("event bus error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var conn *nats.Conn
	connect := func() error {
		var err error
		conn, err = nats.Connect(cfg.NATSUrl, opts...)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), uint64(max(cfg.NATSMaxReconnects-1, 0)))
	notify := func(err error, next time.Duration) {
		slog.Warn("event bus not reachable, retrying", "url", cfg.NATSUrl, "error", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(connect, policy, notify); err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSUrl, err)
	}

	slog.Info("event bus connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
	)
	return &NATSBus{conn: conn, queue: cfg.NATSQueueGroup}, nil
}

// Publish sends payload on the topic's subject.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.conn.PublishMsg(outgoing(topic, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic, joining the configured queue group
// when there is one. A non-nil handler result is sent back to requesters.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	cb := func(m *nats.Msg) {
		msg := incoming(m)
		reply, err := handler(ctx, msg)
		if err != nil {
			slog.Error("event handler failed", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
		if m.Reply == "" || reply == nil {
			return
		}
		if err := m.RespondMsg(outgoing(m.Reply, reply)); err != nil {
			slog.Warn("event reply not sent", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.queue != "" {
		sub, err = b.conn.QueueSubscribe(topic, b.queue, cb)
	} else {
		sub, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return &natsSubscription{topic: topic, sub: sub}, nil
}

// Request publishes payload and waits for the first reply, 30s at most
// unless ctx sets its own deadline.
func (b *NATSBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	reply, err := b.conn.RequestMsgWithContext(ctx, outgoing(topic, payload))
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, fmt.Errorf("request %s: no subscriber: %w", topic, err)
	}
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", topic, err)
	}
	return reply.Data, nil
}

// Ping checks NATS connectivity.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("event bus not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection, letting handlers already running finish
// their alert deliveries before it closes.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain event bus: %w", err)
	}
	return nil
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}

func outgoing(subject string, payload []byte) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = payload
	m.Header.Set(headerID, uuid.New().String())
	m.Header.Set(headerTimestamp, strconv.FormatInt(time.Now().UnixNano(), 10))
	return m
}

func incoming(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string),
		ReplyTo:  m.Reply,
	}
	for key := range m.Header {
		switch key {
		case headerID:
			msg.ID = m.Header.Get(key)
		case headerTimestamp:
			msg.Timestamp, _ = strconv.ParseInt(m.Header.Get(key), 10, 64)
		default:
			msg.Metadata[key] = m.Header.Get(key)
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	return msg
}
