// Kestrel - On-chain entity resolution, MEV detection and risk alerting.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
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

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a TOML config file")
	blocksPath := flag.String("blocks", "", "JSON-lines block file served by the memory feed")
	from := flag.Uint64("from", 0, "first block number to process")
	flag.Parse()

	if err := run(*configPath, *blocksPath, *from); err != nil {
		slog.Error("kestrel stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath, blocksPath string, from uint64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCloser.Close()

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"feed", cfg.Feed.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New("kestrel")
	health := metrics.NewHealth(m)

	// Provider flags, cached behind the two-phase cache
	provider, err := flags.NewProvider(cfg.Flags)
	if err != nil {
		return fmt.Errorf("initialize flag provider: %w", err)
	}
	flagSvc := flags.NewService(provider, cacheImpl, cfg.Flags)

	// Alert delivery
	notifier, err := notify.New(cfg.Dispatch, busImpl)
	if err != nil {
		return fmt.Errorf("initialize notifier: %w", err)
	}
	dispatcher := notify.NewDispatcher(cfg.Dispatch, notifier, repo,
		notify.WithReceipts(m.ObserveReceipt),
		notify.WithDeadLetterHook(m.ObserveDeadLetter),
		notify.WithDeliveryLog(repo),
	)
	dispatchCtx, cancelDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDispatch()
	dispatcher.Start(dispatchCtx)

	if cfg.Dispatch.Notifier == "bus-ack" {
		// In-process consumer so acknowledged delivery works out of the box.
		consumer := notify.NewLogNotifier(slog.Default())
		sub, err := busImpl.Subscribe(ctx, domain.TopicAlert, notify.AlertHandler(notify.NewDeduper(time.Hour), consumer.Notify))
		if err != nil {
			return fmt.Errorf("subscribe alert consumer: %w", err)
		}
		defer sub.Unsubscribe()
	}

	// Alert rules and state
	engine, err := rules.NewEngine(cfg.Alerts.EvalWorkers)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	defer engine.Close()
	monitor := rules.NewMonitor(engine, rules.NewAlertStore(), repo, dispatcher, cfg.Alerts)
	if err := monitor.Load(ctx, cfg.Alerts.SeedDefaults); err != nil {
		return fmt.Errorf("load alert rules: %w", err)
	}

	// Entities and scores survive restarts through the repository
	entities := entity.NewStore()
	restored, err := pipeline.LoadEntities(ctx, repo)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	if err := entities.Restore(restored); err != nil {
		return fmt.Errorf("restore entities: %w", err)
	}

	scorer, err := scoring.NewScorer(cfg.Scoring)
	if err != nil {
		return fmt.Errorf("initialize scorer: %w", err)
	}
	scoreStore := scoring.NewStore(0)
	latest, err := repo.LatestRiskScores(ctx)
	if err != nil {
		return fmt.Errorf("load risk scores: %w", err)
	}
	scoreStore.Restore(latest)
	slog.Info("state restored", "entities", entities.Len(), "risk_scores", len(latest))

	extractor := features.NewExtractor(cfg.Features, cfg.Pipeline.ExtractWorkers)
	defer extractor.Close()

	source, err := openFeed(cfg.Feed, blocksPath, from)
	if err != nil {
		return err
	}
	reader := feed.NewReader(source, cfg.Feed)
	defer reader.Close()

	p, err := pipeline.New(cfg.Pipeline, cfg.Repository, pipeline.Components{
		Feed:      reader,
		Store:     repo,
		Detector:  mev.NewDetector(cfg.MEV, cfg.Features.NativeDecimals),
		Extractor: extractor,
		Resolver:  entity.NewResolver(cfg.Entity, entities),
		Scores:    scoring.NewService(scorer, scoreStore, repo, cfg.Scoring.MaxRetries),
		Monitor:   monitor,
		Flags:     flagSvc,
		Bus:       busImpl,
		Metrics:   m,
		Health:    health,
	})
	if err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}

	deps := api.Deps{
		Repo:       repo,
		Cache:      cacheImpl,
		Entities:   entities,
		Scores:     scoreStore,
		Monitor:    monitor,
		Dispatcher: dispatcher,
		Health:     health,
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = m
		deps.MetricsPath = cfg.Metrics.Path
	}
	srv := api.NewServer(cfg.Server, deps, Version)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- p.Run(ctx)
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	// The API keeps serving after the feed ends or the pipeline halts, so
	// health and query endpoints stay reachable until shutdown.
	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		runErr = <-pipelineDone
	case runErr = <-pipelineDone:
		if runErr != nil {
			slog.Error("pipeline halted", "error", runErr)
		} else {
			slog.Info("feed exhausted, serving queries until shutdown", "last_block", p.LastBlock())
		}
		select {
		case <-ctx.Done():
		case err := <-serverErr:
			return fmt.Errorf("server failed: %w", err)
		}
		slog.Info("shutting down...")
	case err := <-serverErr:
		stop()
		<-pipelineDone
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Pipeline.DrainTimeout.Std()+10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		slog.Error("alert dispatcher did not drain", "error", err, "pending", dispatcher.Pending())
	}

	slog.Info("kestrel shutdown complete", "last_block", p.LastBlock(), "last_epoch", p.LastEpoch())
	return runErr
}

// openFeed creates the configured feed. A memory feed is filled from
// blocksPath and closed, so the pipeline stops at its end.
func openFeed(cfg domain.FeedConfig, blocksPath string, from uint64) (domain.TransactionFeed, error) {
	source, err := feed.New(cfg, from)
	if err != nil {
		return nil, fmt.Errorf("initialize feed: %w", err)
	}
	mem, ok := source.(*feed.MemoryFeed)
	if !ok {
		slog.Info("feed initialized", "type", cfg.Type, "from", from)
		return source, nil
	}

	if blocksPath != "" {
		f, err := os.Open(blocksPath)
		if err != nil {
			return nil, fmt.Errorf("open blocks: %w", err)
		}
		defer f.Close()
		blocks, err := feed.ReadBlocks(f)
		if err != nil {
			return nil, fmt.Errorf("read blocks %s: %w", blocksPath, err)
		}
		for _, b := range blocks {
			if b.Number >= from {
				mem.Push(b)
			}
		}
		slog.Info("feed initialized", "type", "memory", "blocks", len(blocks), "file", blocksPath)
	} else {
		slog.Warn("memory feed has no blocks; pass -blocks or configure kafka or websocket")
	}
	mem.Close()
	return mem, nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL")
	fmt.Println("  On-chain entity resolution and risk alerting")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Feed:     %s\n", cfg.Feed.Type)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /entities/{id}                 - Entity and its members")
	fmt.Println("    GET  /entities/{id}/neighborhood    - Relationship graph around an entity")
	fmt.Println("    GET  /addresses/{address}/entity    - Entity of an address")
	fmt.Println("    GET  /risk/{subject}                - Latest risk score version")
	fmt.Println("    GET  /blocks/{block}/signals        - MEV signals in a block")
	fmt.Println("    GET  /alerts                        - Active alerts")
	fmt.Println("    POST /alerts/check                  - Evaluate a metrics snapshot")
	fmt.Println("    POST /alerts/{id}/ack|resolve       - Close an alert")
	fmt.Println("    POST /rules                         - Create or replace a rule")
	fmt.Println("    GET  /dead-letters                  - Undeliverable alerts")
	fmt.Println("    GET  /health                        - Health check")
	fmt.Println()
}
