package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type delivery struct {
	session sarama.ConsumerGroupSession
	msg     *sarama.ConsumerMessage
}

// KafkaFeed consumes JSON blocks from a topic as part of a consumer group.
// Offsets are marked only when a block is committed, so a restart resumes
// from the first unprocessed block.
type KafkaFeed struct {
	group sarama.ConsumerGroup
	topic string
	from  uint64

	deliveries chan delivery
	errs       chan error

	mu      sync.Mutex
	pending map[uint64]delivery

	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaFeed joins the consumer group and starts consuming.
func NewKafkaFeed(cfg domain.FeedConfig, from uint64) (*KafkaFeed, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("%w: feed.kafka_brokers is required", domain.ErrInvalidInput)
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_1_0_0
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.KafkaBrokers, cfg.KafkaGroup, sc)
	if err != nil {
		return nil, &domain.TransientFeedError{Source: "kafka", Err: err}
	}
	return newKafkaFeed(group, cfg.KafkaTopic, from), nil
}

func newKafkaFeed(group sarama.ConsumerGroup, topic string, from uint64) *KafkaFeed {
	ctx, cancel := context.WithCancel(context.Background())
	f := &KafkaFeed{
		group:      group,
		topic:      topic,
		from:       from,
		deliveries: make(chan delivery),
		errs:       make(chan error, 16),
		pending:    make(map[uint64]delivery),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go f.consume(ctx)
	go f.watchErrors(ctx)
	return f
}

func (f *KafkaFeed) consume(ctx context.Context) {
	defer close(f.done)
	handler := &groupHandler{out: f.deliveries}
	for {
		// Consume returns on every rebalance
		if err := f.group.Consume(ctx, []string{f.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			f.report(err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (f *KafkaFeed) watchErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-f.group.Errors():
			if !ok {
				return
			}
			f.report(err)
		}
	}
}

func (f *KafkaFeed) report(err error) {
	select {
	case f.errs <- err:
	default:
		slog.Warn("kafka error dropped from report queue", "error", err)
	}
}

// Next returns the next block. Broker errors surface as transient errors;
// undecodable messages are marked consumed and reported as malformed.
func (f *KafkaFeed) Next(ctx context.Context) (*domain.Block, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
			return nil, ErrFeedClosed
		case err := <-f.errs:
			return nil, &domain.TransientFeedError{Source: "kafka", Err: err}
		case d := <-f.deliveries:
			block, err := DecodeBlock(d.msg.Value)
			if err != nil {
				d.session.MarkMessage(d.msg, "")
				return nil, fmt.Errorf("kafka %s/%d@%d: %w", d.msg.Topic, d.msg.Partition, d.msg.Offset, err)
			}
			if block.Number < f.from {
				d.session.MarkMessage(d.msg, "")
				continue
			}
			f.mu.Lock()
			f.pending[block.Number] = d
			f.mu.Unlock()
			return block, nil
		}
	}
}

// Commit marks the block's message as consumed.
func (f *KafkaFeed) Commit(ctx context.Context, blockNumber uint64) error {
	f.mu.Lock()
	d, ok := f.pending[blockNumber]
	delete(f.pending, blockNumber)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("block %d: %w", blockNumber, domain.ErrNotFound)
	}
	d.session.MarkMessage(d.msg, "")
	return nil
}

// Close leaves the consumer group.
func (f *KafkaFeed) Close() error {
	f.cancel()
	err := f.group.Close()
	<-f.done
	return err
}

type groupHandler struct {
	out chan<- delivery
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.out <- delivery{session: sess, msg: msg}:
			case <-sess.Context().Done():
				return nil
			}
		}
	}
}

// Producer publishes blocks keyed by block number. The replay tool uses it
// to seed a topic.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewProducer creates a synchronous producer.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	p, err := sarama.NewSyncProducer(brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{producer: p, topic: topic}, nil
}

// Send publishes one encoded block.
func (p *Producer) Send(blockNumber uint64, payload []byte) error {
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(fmt.Sprintf("%d", blockNumber)),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

// Close flushes and closes the producer.
func (p *Producer) Close() error {
	return p.producer.Close()
}
