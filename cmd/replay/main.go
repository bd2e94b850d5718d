// Replay tool for running recorded blocks through the Kestrel pipeline.
//
// Usage:
//
//	go run ./cmd/replay -blocks /path/to/blocks.jsonl
//	go run ./cmd/replay -blocks /path/to/blocks.jsonl -kafka localhost:9092 -topic kestrel.blocks
//
// Without -kafka this tool:
//  1. Reads newline-delimited JSON blocks
//  2. Runs them through MEV detection, feature extraction, entity
//     resolution, risk scoring and alert rules against a SQLite file
//  3. Prints signals, entities, the riskiest subjects and triggered alerts
//
// With -kafka it publishes the blocks to the topic, keyed by block number,
// so a running Kestrel with the kafka feed consumes them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/entity"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/feed"
	"github.com/opensource-finance/kestrel/internal/flags"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/mev"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Summary is what one replay produced.
type Summary struct {
	Blocks   int
	Signals  map[domain.MEVType]int
	Entities []*domain.Entity
	Riskiest []*domain.RiskScore
	Alerts   []*domain.Alert
	Elapsed  time.Duration
}

func main() {
	blocksPath := flag.String("blocks", "", "Path to a JSON-lines block file")
	configPath := flag.String("config", "", "Optional TOML config file")
	dbPath := flag.String("db", "", "SQLite file for the replay (default: temp file)")
	epochBlocks := flag.Int("epoch", 0, "Blocks per epoch (0 = config value)")
	top := flag.Int("top", 10, "Number of riskiest subjects to print")
	kafkaBrokers := flag.String("kafka", "", "Comma-separated brokers; publish instead of replaying")
	topic := flag.String("topic", "kestrel.blocks", "Kafka topic for -kafka")
	verbose := flag.Bool("verbose", false, "Log pipeline activity")
	flag.Parse()

	if *blocksPath == "" {
		fmt.Println("Usage: replay -blocks /path/to/blocks.jsonl [-kafka localhost:9092]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	level := "warn"
	if *verbose {
		level = "info"
	}
	if _, err := logging.Setup(domain.LoggingConfig{Level: level, Format: "text"}); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Open(*blocksPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open blocks: %v\n", err)
		os.Exit(1)
	}
	blocks, err := feed.ReadBlocks(f)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read blocks: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d blocks from %s\n", len(blocks), *blocksPath)

	if *kafkaBrokers != "" {
		if err := publish(blocks, strings.Split(*kafkaBrokers, ","), *topic); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Published %d blocks to %s\n", len(blocks), *topic)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	if *epochBlocks > 0 {
		cfg.Pipeline.EpochBlocks = *epochBlocks
	}
	if *dbPath == "" {
		dir, err := os.MkdirTemp("", "kestrel-replay-*")
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
		*dbPath = filepath.Join(dir, "replay.db")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := replay(ctx, cfg, *dbPath, blocks, *top)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	printSummary(summary)
}

func publish(blocks []*domain.Block, brokers []string, topic string) error {
	producer, err := feed.NewProducer(brokers, topic)
	if err != nil {
		return err
	}
	defer producer.Close()

	for _, b := range blocks {
		payload, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode block %d: %w", b.Number, err)
		}
		if err := producer.Send(b.Number, payload); err != nil {
			return fmt.Errorf("publish block %d: %w", b.Number, err)
		}
	}
	return nil
}

func replay(ctx context.Context, cfg *domain.Config, dbPath string, blocks []*domain.Block, top int) (*Summary, error) {
	start := time.Now()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:      "sqlite",
		SQLitePath:  dbPath,
		RetryBudget: cfg.Repository.RetryBudget,
	})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	events := bus.NewChannelBus(256)
	defer events.Close()

	engine, err := rules.NewEngine(cfg.Alerts.EvalWorkers)
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	dispatcher := notify.NewDispatcher(cfg.Dispatch, notify.NewLogNotifier(slog.Default()), repo, notify.WithDeliveryLog(repo))
	dispatcher.Start(context.WithoutCancel(ctx))
	defer dispatcher.Close(context.Background())

	monitor := rules.NewMonitor(engine, rules.NewAlertStore(), repo, dispatcher, cfg.Alerts)
	if err := monitor.Load(ctx, true); err != nil {
		return nil, err
	}

	scorer, err := scoring.NewScorer(cfg.Scoring)
	if err != nil {
		return nil, err
	}
	scores := scoring.NewStore(0)

	provider, err := flags.NewProvider(cfg.Flags)
	if err != nil {
		return nil, err
	}

	extractor := features.NewExtractor(cfg.Features, cfg.Pipeline.ExtractWorkers)
	defer extractor.Close()

	entities := entity.NewStore()
	source := feed.NewMemoryFeed(blocks...)
	source.Close()

	p, err := pipeline.New(cfg.Pipeline, cfg.Repository, pipeline.Components{
		Feed:      feed.NewReader(source, cfg.Feed),
		Store:     repo,
		Detector:  mev.NewDetector(cfg.MEV, cfg.Features.NativeDecimals),
		Extractor: extractor,
		Resolver:  entity.NewResolver(cfg.Entity, entities),
		Scores:    scoring.NewService(scorer, scores, repo, cfg.Scoring.MaxRetries),
		Monitor:   monitor,
		Flags:     flags.NewService(provider, nil, cfg.Flags),
		Bus:       events,
		Metrics:   metrics.New("kestrel_replay"),
	})
	if err != nil {
		return nil, err
	}
	if err := p.Run(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	summary := &Summary{
		Blocks:   len(blocks),
		Signals:  make(map[domain.MEVType]int),
		Entities: entities.List(),
		Alerts:   monitor.Active(),
	}
	for _, b := range blocks {
		signals, err := repo.ListSignals(ctx, b.Number)
		if err != nil {
			return nil, err
		}
		for _, s := range signals {
			summary.Signals[s.Type]++
		}
	}

	latest, err := repo.LatestRiskScores(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(latest, func(i, j int) bool { return latest[i].Value > latest[j].Value })
	if len(latest) > top {
		latest = latest[:top]
	}
	summary.Riskiest = latest
	summary.Elapsed = time.Since(start)
	return summary, nil
}

func printSummary(s *Summary) {
	fmt.Println()
	fmt.Println("=== Replay summary ===")
	fmt.Printf("Blocks:    %d in %s\n", s.Blocks, s.Elapsed.Round(time.Millisecond))

	fmt.Println("\nMEV signals:")
	if len(s.Signals) == 0 {
		fmt.Println("  none")
	}
	for _, t := range []domain.MEVType{domain.MEVSandwich, domain.MEVLiquidation} {
		if n := s.Signals[t]; n > 0 {
			fmt.Printf("  %-12s %d\n", t, n)
		}
	}

	fmt.Printf("\nEntities:  %d\n", len(s.Entities))
	for _, e := range s.Entities {
		fmt.Printf("  %s  members=%d  confidence=%.2f  v%d\n", e.ID, len(e.Members), e.Confidence, e.Version)
	}

	fmt.Println("\nRiskiest subjects:")
	for _, r := range s.Riskiest {
		fmt.Printf("  %-50s %.3f  (%s, v%d)\n", r.Subject, r.Value, r.Method, r.Version)
	}

	fmt.Printf("\nActive alerts: %d\n", len(s.Alerts))
	for _, a := range s.Alerts {
		fmt.Printf("  [%s] %s  %s\n", a.Priority, a.RuleID, a.Subject)
	}
	fmt.Println()
}
