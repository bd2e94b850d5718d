// Package pipeline runs the analytics stages as workers connected by bounded
// queues: blocks flow from the feed through MEV detection into epoch windows,
// sealed epochs flow through feature extraction and entity resolution, and
// every touched subject is rescored and checked against the alert rules.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/entity"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/feed"
	"github.com/opensource-finance/kestrel/internal/flags"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/mev"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

var tracer = otel.Tracer("kestrel-pipeline")

// Store is the persistence the pipeline writes to while ingesting.
type Store interface {
	domain.GraphStore
	SaveSignal(ctx context.Context, signal *domain.MEVSignal) (bool, error)
}

// Components are the collaborators a Pipeline drives. Bus, Flags, Metrics
// and Health are optional.
type Components struct {
	Feed      *feed.Reader
	Store     Store
	Detector  *mev.Detector
	Signals   *mev.SignalIndex
	Extractor *features.Extractor
	Resolver  *entity.Resolver
	Scores    *scoring.Service
	Monitor   *rules.Monitor
	Flags     *flags.Service
	Bus       domain.EventBus
	Metrics   *metrics.Metrics
	Health    *metrics.Health
}

// Pipeline owns the stage goroutines. Run may be called once.
type Pipeline struct {
	Components

	cfg         domain.PipelineConfig
	retryBudget time.Duration

	// latest snapshot per address, replaced one epoch at a time
	mu        sync.RWMutex
	snapshots map[string]*domain.AddressFeatureSnapshot

	lastBlock uint64
	lastEpoch uint64
}

// epochWindow is a sealed batch of blocks. It is owned by the epoch stage
// once sent.
type epochWindow struct {
	id     uint64
	blocks int
	last   uint64
	txs    []domain.Transaction
}

// New creates a pipeline.
func New(cfg domain.PipelineConfig, repo domain.RepositoryConfig, c Components) (*Pipeline, error) {
	switch {
	case c.Feed == nil:
		return nil, fmt.Errorf("%w: pipeline needs a feed", domain.ErrInvalidInput)
	case c.Store == nil:
		return nil, fmt.Errorf("%w: pipeline needs a store", domain.ErrInvalidInput)
	case c.Detector == nil || c.Extractor == nil || c.Resolver == nil || c.Scores == nil || c.Monitor == nil:
		return nil, fmt.Errorf("%w: pipeline needs every analytics stage", domain.ErrInvalidInput)
	}
	if cfg.EpochBlocks <= 0 {
		cfg.EpochBlocks = 50
	}
	if cfg.EpochQueueSize <= 0 {
		cfg.EpochQueueSize = 2
	}
	if cfg.ScoreQueueSize <= 0 {
		cfg.ScoreQueueSize = 1024
	}
	if cfg.ScoreWorkers <= 0 {
		cfg.ScoreWorkers = 8
	}
	if c.Signals == nil {
		c.Signals = mev.NewSignalIndex(0)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New("kestrel")
	}
	if c.Health == nil {
		c.Health = metrics.NewHealth(c.Metrics)
	}
	if c.Feed.OnRetry == nil {
		c.Feed.OnRetry = c.Metrics.ObserveFeedRetry
	}

	budget := repo.RetryBudget.Std()
	if budget <= 0 {
		budget = 30 * time.Second
	}

	return &Pipeline{
		Components:  c,
		cfg:         cfg,
		retryBudget: budget,
		snapshots:   make(map[string]*domain.AddressFeatureSnapshot),
	}, nil
}

// Run processes blocks until ctx is cancelled, the feed ends, or a fatal
// error occurs. Cancelling ctx stops reading; the in-flight block and the
// partial epoch are drained before Run returns, bounded by DrainTimeout.
// A fatal error halts the health state and is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	if d := p.cfg.DrainTimeout.Std(); d > 0 {
		stop := context.AfterFunc(ctx, func() {
			slog.Info("draining pipeline", "timeout", d)
			time.AfterFunc(d, cancelWork)
		})
		defer stop()
	}

	g, gctx := errgroup.WithContext(work)

	readCtx, cancelRead := context.WithCancel(gctx)
	defer cancelRead()
	stopRead := context.AfterFunc(ctx, cancelRead)
	defer stopRead()

	pool := pond.NewPool(p.cfg.ScoreWorkers, pond.WithQueueSize(p.cfg.ScoreQueueSize), pond.WithContext(work))
	epochs := make(chan *epochWindow, p.cfg.EpochQueueSize)

	g.Go(func() error {
		defer close(epochs)
		return p.ingest(readCtx, gctx, epochs, pool)
	})
	g.Go(func() error {
		for ep := range epochs {
			p.Metrics.QueueDepth.WithLabelValues("epoch").Set(float64(len(epochs)))
			if err := p.processEpoch(gctx, ep, pool); err != nil {
				return err
			}
		}
		return nil
	})

	p.Health.SetReady()
	slog.Info("pipeline started",
		"epoch_blocks", p.cfg.EpochBlocks,
		"score_workers", p.cfg.ScoreWorkers,
	)

	err := g.Wait()
	pool.StopAndWait()
	p.Metrics.QueueDepth.WithLabelValues("score").Set(0)

	if err != nil && domain.IsFatal(err) {
		p.Health.Halt(err)
		slog.Error("pipeline halted", "error", err)
		return err
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("pipeline stopped",
		"last_block", p.LastBlock(),
		"last_epoch", p.LastEpoch(),
	)
	return nil
}

// ingest reads blocks with readCtx and processes them with ctx, so that
// cancelling the read side lets the current block finish.
func (p *Pipeline) ingest(readCtx, ctx context.Context, epochs chan<- *epochWindow, pool pond.Pool) error {
	var window *epochWindow

	seal := func() error {
		if window == nil {
			return nil
		}
		ep := window
		window = nil
		select {
		case epochs <- ep:
			p.Metrics.QueueDepth.WithLabelValues("epoch").Set(float64(len(epochs)))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		block, err := p.Feed.Next(readCtx)
		if err != nil {
			if readCtx.Err() != nil || errors.Is(err, feed.ErrFeedClosed) {
				return seal()
			}
			return fmt.Errorf("read feed: %w", err)
		}

		block = p.validBlock(block)
		if err := p.processBlock(ctx, block, pool); err != nil {
			return err
		}

		if window == nil {
			window = &epochWindow{id: block.Number}
		}
		window.blocks++
		window.last = block.Number
		window.txs = append(window.txs, block.Transactions...)

		if err := p.Feed.Commit(ctx, block.Number); err != nil {
			slog.Warn("failed to commit block", "block", block.Number, "error", err)
		}
		p.mu.Lock()
		p.lastBlock = block.Number
		p.mu.Unlock()

		if window.blocks >= p.cfg.EpochBlocks {
			if err := seal(); err != nil {
				return err
			}
		}
	}
}

// validBlock returns a copy of block holding only well-formed transactions
// with lowercased addresses, so detection, the graph and the epoch window
// all see the same records.
func (p *Pipeline) validBlock(block *domain.Block) *domain.Block {
	valid, skipped := features.FilterValid(slog.Default(), block.Transactions)
	p.Metrics.RecordsSkipped.Add(float64(len(skipped)))
	clean := *block
	clean.Transactions = valid
	return &clean
}

// processBlock detects MEV in one complete block, persists the result and
// schedules rescoring of the participants.
func (p *Pipeline) processBlock(ctx context.Context, block *domain.Block, pool pond.Pool) error {
	ctx, span := tracer.Start(ctx, "pipeline.block", trace.WithAttributes(blockAttr(block.Number)))
	defer span.End()
	start := time.Now()

	signals, err := p.Detector.ProcessBlock(block)
	if err != nil {
		slog.Warn("block skipped by MEV detection", "block", block.Number, "error", err)
		signals = nil
	}

	if err := p.retry(ctx, "block", func() error { return p.persistBlock(ctx, block, signals) }); err != nil {
		span.RecordError(err)
		return err
	}

	p.Signals.Add(signals...)
	for _, s := range signals {
		p.Metrics.Signals.WithLabelValues(string(s.Type)).Inc()
		p.publish(ctx, domain.TopicMEVSignal, s)
		slog.Info("MEV signal",
			"id", s.ID,
			"type", s.Type,
			"block", s.BlockNumber,
			"confidence", s.Confidence,
			"target", s.TargetTxHash,
		)
	}

	var participants []string
	for _, s := range signals {
		participants = append(participants, s.Participants...)
	}
	if err := p.schedule(ctx, pool, participants, nil); err != nil {
		return err
	}

	p.Metrics.BlocksProcessed.Inc()
	p.Metrics.BlockDuration.Observe(time.Since(start).Seconds())
	return nil
}

// resolveFailed decides whether a resolution error halts the pipeline. Only
// cancellation and fatal errors do; anything else leaves the previous
// partition in place and counts as a clustering failure.
func (p *Pipeline) resolveFailed(ctx context.Context, epoch uint64, err error) error {
	if ctx.Err() != nil || domain.IsFatal(err) {
		return fmt.Errorf("resolve epoch %d: %w", epoch, err)
	}
	p.Metrics.ClusteringFailures.Inc()
	slog.Error("entity resolution failed, keeping previous partition", "epoch", epoch, "error", err)
	return nil
}

// processEpoch extracts snapshots for a sealed window, resolves entities
// against them and schedules rescoring of every touched subject.
func (p *Pipeline) processEpoch(ctx context.Context, ep *epochWindow, pool pond.Pool) error {
	ctx, span := tracer.Start(ctx, "pipeline.epoch", trace.WithAttributes(epochAttrs(ep)...))
	defer span.End()

	snaps, skipped, err := p.Extractor.ExtractEpoch(ctx, ep.id, ep.txs)
	p.Metrics.RecordsSkipped.Add(float64(len(skipped)))
	if err != nil {
		return fmt.Errorf("extract epoch %d: %w", ep.id, err)
	}
	p.replaceSnapshots(snaps)

	var changed []*domain.Entity
	res, err := p.Resolver.Resolve(ctx, ep.id, snaps)
	switch {
	case err != nil:
		if err := p.resolveFailed(ctx, ep.id, err); err != nil {
			span.RecordError(err)
			return err
		}
	default:
		changed = res.Changed()
		if err := p.retry(ctx, "entities", func() error { return p.persistEntities(ctx, changed) }); err != nil {
			span.RecordError(err)
			return err
		}
		for _, e := range changed {
			p.publish(ctx, domain.TopicEntityMerge, e)
		}
		slog.Info("epoch resolved",
			"epoch", ep.id,
			"blocks", ep.blocks,
			"addresses", len(snaps),
			"created", len(res.Created),
			"grown", len(res.Grown),
			"unresolved", len(res.Unresolved),
			"iterations", res.Iterations,
		)
	}
	p.Metrics.EpochsResolved.Inc()
	p.Metrics.Entities.Set(float64(p.Resolver.Store().Len()))

	p.mu.Lock()
	p.lastEpoch = ep.id
	p.mu.Unlock()

	addresses := make([]string, len(snaps))
	for i, s := range snaps {
		addresses[i] = s.Address
	}
	return p.schedule(ctx, pool, addresses, changed)
}

// replaceSnapshots installs one epoch's snapshots under a single lock, so
// readers never observe a partially applied epoch.
func (p *Pipeline) replaceSnapshots(snaps []*domain.AddressFeatureSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range snaps {
		p.snapshots[s.Address] = s
	}
}

// Snapshot returns the latest snapshot for an address.
func (p *Pipeline) Snapshot(address string) (*domain.AddressFeatureSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.snapshots[address]
	return s, ok
}

// LastBlock returns the last fully processed block number.
func (p *Pipeline) LastBlock() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastBlock
}

// LastEpoch returns the id of the last resolved epoch.
func (p *Pipeline) LastEpoch() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastEpoch
}
