package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrFeedClosed is returned by Next once a closed feed is drained.
var ErrFeedClosed = errors.New("feed closed")

// MemoryFeed serves blocks pushed by the caller. It backs the replay tool
// and tests.
type MemoryFeed struct {
	mu        sync.Mutex
	cond      *sync.Cond
	blocks    []*domain.Block
	next      int
	committed uint64
	failures  []error
	closed    bool
}

// NewMemoryFeed creates an empty feed.
func NewMemoryFeed(blocks ...*domain.Block) *MemoryFeed {
	f := &MemoryFeed{blocks: blocks}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push appends blocks.
func (f *MemoryFeed) Push(blocks ...*domain.Block) {
	f.mu.Lock()
	f.blocks = append(f.blocks, blocks...)
	f.mu.Unlock()
	f.cond.Broadcast()
}

// FailNext makes the next len(errs) calls to Next fail with the given
// errors, without advancing the position.
func (f *MemoryFeed) FailNext(errs ...error) {
	f.mu.Lock()
	f.failures = append(f.failures, errs...)
	f.mu.Unlock()
}

// Next blocks until a block is available, ctx is done, or the feed is
// closed and drained.
func (f *MemoryFeed) Next(ctx context.Context) (*domain.Block, error) {
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cond.Broadcast()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(f.failures) > 0 {
			err := f.failures[0]
			f.failures = f.failures[1:]
			return nil, &domain.TransientFeedError{Source: "memory", Err: err}
		}
		if f.next < len(f.blocks) {
			b := f.blocks[f.next]
			f.next++
			return b, nil
		}
		if f.closed {
			return nil, ErrFeedClosed
		}
		f.cond.Wait()
	}
}

// Commit records the last processed block.
func (f *MemoryFeed) Commit(ctx context.Context, blockNumber uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if blockNumber > f.committed {
		f.committed = blockNumber
	}
	return nil
}

// Committed returns the highest committed block number.
func (f *MemoryFeed) Committed() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed
}

// Close lets Next return ErrFeedClosed once the remaining blocks are served.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cond.Broadcast()
	return nil
}
