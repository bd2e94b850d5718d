// Package feed adapts block sources to domain.TransactionFeed.
package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the feed named by cfg.Type. from is the first block number
// to deliver; earlier blocks are skipped.
func New(cfg domain.FeedConfig, from uint64) (domain.TransactionFeed, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryFeed(), nil
	case "kafka":
		return NewKafkaFeed(cfg, from)
	case "websocket":
		return NewWebSocketFeed(cfg.WebSocketURL, from), nil
	default:
		return nil, fmt.Errorf("unsupported feed type: %s", cfg.Type)
	}
}

// DecodeBlock parses a JSON block and orders its transactions by position.
func DecodeBlock(data []byte) (*domain.Block, error) {
	var block domain.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("%w: decode block: %v", domain.ErrMalformedRecord, err)
	}
	if block.Number == 0 && len(block.Transactions) == 0 {
		return nil, fmt.Errorf("%w: empty block frame", domain.ErrMalformedRecord)
	}
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if tx.BlockNumber == 0 {
			tx.BlockNumber = block.Number
		}
		if tx.Timestamp.IsZero() {
			tx.Timestamp = block.Timestamp
		}
	}
	sort.SliceStable(block.Transactions, func(i, j int) bool {
		return block.Transactions[i].PositionInBlock < block.Transactions[j].PositionInBlock
	})
	return &block, nil
}

// maxLine bounds one JSON-lines block frame.
const maxLine = 64 << 20

// ReadBlocks decodes newline-delimited JSON blocks. Blank lines are ignored;
// a malformed line fails the read with its line number.
func ReadBlocks(r io.Reader) ([]*domain.Block, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var blocks []*domain.Block
	for line := 1; sc.Scan(); line++ {
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		b, err := DecodeBlock(data)
		if err != nil {
			return blocks, fmt.Errorf("line %d: %w", line, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, sc.Err()
}

// Reader pulls blocks from a feed, retrying transient failures with
// exponential backoff. The feed position is not lost across retries.
type Reader struct {
	feed    domain.TransactionFeed
	initial time.Duration
	max     time.Duration

	// OnRetry is called before each wait. Optional.
	OnRetry func(err error, wait time.Duration)
}

// NewReader wraps feed with the retry policy from cfg.
func NewReader(feed domain.TransactionFeed, cfg domain.FeedConfig) *Reader {
	r := &Reader{feed: feed, initial: cfg.RetryInitial.Std(), max: cfg.RetryMax.Std()}
	if r.initial <= 0 {
		r.initial = 500 * time.Millisecond
	}
	if r.max <= 0 {
		r.max = 30 * time.Second
	}
	return r
}

// Next returns the next block. Transient errors are retried until ctx is
// done; any other error is returned immediately.
func (r *Reader) Next(ctx context.Context) (*domain.Block, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial
	policy.MaxInterval = r.max
	policy.MaxElapsedTime = 0

	var block *domain.Block
	op := func() error {
		b, err := r.feed.Next(ctx)
		if err == nil {
			block = b
			return nil
		}
		if domain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("feed unavailable, retrying", "error", err, "retry_in", wait)
		if r.OnRetry != nil {
			r.OnRetry(err, wait)
		}
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return block, nil
}

// Commit acknowledges a processed block.
func (r *Reader) Commit(ctx context.Context, blockNumber uint64) error {
	return r.feed.Commit(ctx, blockNumber)
}

// Close closes the underlying feed.
func (r *Reader) Close() error {
	return r.feed.Close()
}
