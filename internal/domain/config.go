package domain

import (
	"fmt"
	"math"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `toml:"server"`

	// Tier determines which backends are used by default
	Tier Tier `toml:"tier"`

	// Component configurations
	Repository RepositoryConfig `toml:"repository"`
	Cache      CacheConfig      `toml:"cache"`
	EventBus   EventBusConfig   `toml:"event_bus"`
	Feed       FeedConfig       `toml:"feed"`
	Flags      FlagsConfig      `toml:"flags"`
	Dispatch   DispatchConfig   `toml:"dispatch"`

	// Analytics policy
	Pipeline PipelineConfig `toml:"pipeline"`
	Features FeaturesConfig `toml:"features"`
	Entity   EntityConfig   `toml:"entity"`
	MEV      MEVConfig      `toml:"mev"`
	Scoring  ScoringConfig  `toml:"scoring"`
	Alerts   AlertsConfig   `toml:"alerts"`

	// Observability
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	ReadTimeout  int    `toml:"read_timeout"`  // seconds
	WriteTimeout int    `toml:"write_timeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json, text

	// Optional rotating file sink
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// PipelineConfig sizes the stage queues and the epoch cadence.
type PipelineConfig struct {
	ScoreQueueSize int `toml:"score_queue_size"`
	EpochQueueSize int `toml:"epoch_queue_size"`

	// EpochBlocks is the number of blocks per entity-resolution epoch.
	EpochBlocks int `toml:"epoch_blocks"`

	ExtractWorkers int      `toml:"extract_workers"`
	ScoreWorkers   int      `toml:"score_workers"`
	DrainTimeout   Duration `toml:"drain_timeout"`
}

// FeaturesConfig configures the feature extractor.
type FeaturesConfig struct {
	// NativeDecimals converts wei sums to native units at the boundary.
	NativeDecimals int32 `toml:"native_decimals"`
}

// EntityConfig holds clustering policy.
type EntityConfig struct {
	SimilarityThreshold float64 `toml:"similarity_threshold"`
	MinClusterSize      int     `toml:"min_cluster_size"`
	CosineWeight        float64 `toml:"cosine_weight"`
	PatternWeight       float64 `toml:"pattern_weight"`

	// NormFloor is the z-space radius below which a vector is compared by
	// distance rather than direction.
	NormFloor float64 `toml:"norm_floor"`

	// SpreadFloor bounds each feature's standard deviation from below as a
	// fraction of its mean, so an epoch of near-identical addresses is not
	// stretched into opposite unit vectors.
	SpreadFloor float64 `toml:"spread_floor"`

	MaxIterations    int `toml:"max_iterations"`
	MaxUpdateRetries int `toml:"max_update_retries"`
}

// MEVConfig holds MEV detection policy.
type MEVConfig struct {
	GasMultiplier        float64 `toml:"gas_multiplier"`
	AttackerPercentile   float64 `toml:"attacker_percentile"`
	GasHistorySize       int     `toml:"gas_history_size"`
	GasHistoryMinSamples int     `toml:"gas_history_min_samples"`
	AttackerGasFloorGwei float64 `toml:"attacker_gas_floor_gwei"`

	ConfidenceSaturation  float64 `toml:"confidence_saturation"`
	PriceImpactFactor     float64 `toml:"price_impact_factor"`
	LiquidationConfidence float64 `toml:"liquidation_confidence"`
	LiquidationBonus      float64 `toml:"liquidation_bonus"`

	KnownContracts        []string `toml:"known_contracts"`
	LiquidationSignatures []string `toml:"liquidation_signatures"`
	FlashLoanSignatures   []string `toml:"flash_loan_signatures"`
	BotAddresses          []string `toml:"bot_addresses"`

	LearnBots          bool    `toml:"learn_bots"`
	LearnBotConfidence float64 `toml:"learn_bot_confidence"`

	DedupTTL Duration `toml:"dedup_ttl"`
}

// ScoringConfig holds risk model policy.
type ScoringConfig struct {
	Weights WeightTable `toml:"weights"`
	TopN    int         `toml:"top_n"`

	// Normalisers, in native units
	VolumeScale            float64 `toml:"volume_scale"`
	LargeTransferThreshold float64 `toml:"large_transfer_threshold"`
	GasCVCap               float64 `toml:"gas_cv_cap"`
	MinTxForPattern        int     `toml:"min_tx_for_pattern"`

	SanctionedFloor float64 `toml:"sanctioned_floor"`
	MaxRetries      int     `toml:"max_retries"`
}

// AlertsConfig holds alert engine settings.
type AlertsConfig struct {
	DefaultCooldown Duration `toml:"default_cooldown"`
	SeedDefaults    bool     `toml:"seed_defaults"`
	EvalWorkers     int      `toml:"eval_workers"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis + Kafka
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:      "sqlite",
			SQLitePath:  "./kestrel.db",
			RetryBudget: Duration(30 * time.Second),
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     Duration(5 * time.Minute),
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Feed: FeedConfig{
			Type:         "memory",
			KafkaTopic:   "kestrel.blocks",
			KafkaGroup:   "kestrel",
			RetryInitial: Duration(500 * time.Millisecond),
			RetryMax:     Duration(30 * time.Second),
		},
		Flags: FlagsConfig{
			Provider: "static",
			Timeout:  Duration(2 * time.Second),
			CacheTTL: Duration(10 * time.Minute),
		},
		Dispatch: DispatchConfig{
			Notifier:     "bus",
			QueueSize:    256,
			Workers:      4,
			MaxAttempts:  5,
			RetryInitial: Duration(200 * time.Millisecond),
			RetryMax:     Duration(10 * time.Second),
			Timeout:      Duration(5 * time.Second),
		},
		Pipeline: PipelineConfig{
			ScoreQueueSize: 1024,
			EpochQueueSize: 2,
			EpochBlocks:    50,
			ExtractWorkers: 8,
			ScoreWorkers:   8,
			DrainTimeout:   Duration(30 * time.Second),
		},
		Features: FeaturesConfig{
			NativeDecimals: 18,
		},
		Entity: EntityConfig{
			SimilarityThreshold: 0.75,
			MinClusterSize:      2,
			CosineWeight:        0.7,
			PatternWeight:       0.3,
			NormFloor:           0.5,
			SpreadFloor:         0.25,
			MaxIterations:       8,
			MaxUpdateRetries:    5,
		},
		MEV: MEVConfig{
			GasMultiplier:         1.5,
			AttackerPercentile:    0.9,
			GasHistorySize:        2048,
			GasHistoryMinSamples:  50,
			AttackerGasFloorGwei:  100,
			ConfidenceSaturation:  100,
			PriceImpactFactor:     0.003,
			LiquidationConfidence: 0.95,
			LiquidationBonus:      0.05,
			KnownContracts: []string{
				"0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D", // Uniswap V2 router
				"0xE592427A0AEce92De3Edae1C0A9Ad9e8d13f1564", // Uniswap V3 router
				"0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45", // Uniswap V3 router 02
				"0x3fC91A3afd70395Cd496C647d5a6CC9D4B2b7FAD", // Uniswap universal router
				"0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F", // SushiSwap router
				"0x7d2768dE32b0b80b7a3454c06Bdac94A69DDc7A9", // Aave V2 lending pool
				"0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2", // Aave V3 pool
				"0x3d9819210A31b4961b30EF54bE2aeD79B9c9Cd3B", // Compound comptroller
			},
			LiquidationSignatures: []string{
				"liquidationCall(address,address,address,uint256,bool)",
				"liquidateBorrow(address,uint256,address)",
				"liquidateBorrow(address)",
			},
			FlashLoanSignatures: []string{
				"flashLoan(address,address[],uint256[],uint256[],address,bytes,uint16)",
				"flashLoanSimple(address,address,uint256,bytes,uint16)",
				"flashLoan(address,address[],uint256[],bytes)",
				"flash(address,uint256,uint256,bytes)",
			},
			LearnBots:          true,
			LearnBotConfidence: 0.9,
			DedupTTL:           Duration(6 * time.Hour),
		},
		Scoring: ScoringConfig{
			Weights: WeightTable{
				Version:           "2025-01",
				TransactionVolume: 0.15,
				GasVolatility:     0.10,
				FailureRate:       0.10,
				MEVInvolvement:    0.25,
				LargeTransfer:     0.15,
				SuspiciousPattern: 0.25,
			},
			TopN:                   3,
			VolumeScale:            100,
			LargeTransferThreshold: 50,
			GasCVCap:               1.0,
			MinTxForPattern:        10,
			SanctionedFloor:        0.9,
			MaxRetries:             5,
		},
		Alerts: AlertsConfig{
			DefaultCooldown: Duration(120 * time.Second),
			SeedDefaults:    true,
			EvalWorkers:     10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		RetryBudget:  Duration(2 * time.Minute),
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       Duration(time.Minute),
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel",
	}
	cfg.Feed.Type = "kafka"
	cfg.Feed.KafkaBrokers = []string{"localhost:9092"}
	return cfg
}

// Validate rejects out-of-range policy values.
func (c *Config) Validate() error {
	unit := func(name string, v float64) error {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("%w: %s must be in [0,1], got %v", ErrInvalidInput, name, v)
		}
		return nil
	}
	positive := func(name string, v int) error {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidInput, name, v)
		}
		return nil
	}

	checks := []error{
		unit("entity.similarity_threshold", c.Entity.SimilarityThreshold),
		unit("entity.cosine_weight", c.Entity.CosineWeight),
		unit("entity.pattern_weight", c.Entity.PatternWeight),
		unit("entity.spread_floor", c.Entity.SpreadFloor),
		unit("mev.attacker_percentile", c.MEV.AttackerPercentile),
		unit("mev.liquidation_confidence", c.MEV.LiquidationConfidence),
		unit("scoring.sanctioned_floor", c.Scoring.SanctionedFloor),
		positive("pipeline.score_queue_size", c.Pipeline.ScoreQueueSize),
		positive("pipeline.epoch_queue_size", c.Pipeline.EpochQueueSize),
		positive("pipeline.epoch_blocks", c.Pipeline.EpochBlocks),
		positive("dispatch.queue_size", c.Dispatch.QueueSize),
		positive("dispatch.max_attempts", c.Dispatch.MaxAttempts),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	if c.Entity.MinClusterSize < 2 {
		return fmt.Errorf("%w: entity.min_cluster_size must be at least 2", ErrInvalidInput)
	}
	if math.Abs(c.Entity.CosineWeight+c.Entity.PatternWeight-1) > 1e-9 {
		return fmt.Errorf("%w: entity similarity weights must sum to 1", ErrInvalidInput)
	}
	if c.MEV.GasMultiplier <= 1 {
		return fmt.Errorf("%w: mev.gas_multiplier must exceed 1, got %v", ErrInvalidInput, c.MEV.GasMultiplier)
	}
	if c.MEV.ConfidenceSaturation <= 1 {
		return fmt.Errorf("%w: mev.confidence_saturation must exceed 1", ErrInvalidInput)
	}
	if math.Abs(c.Scoring.Weights.Sum()-1) > 1e-6 {
		return fmt.Errorf("%w: scoring weights must sum to 1, got %v", ErrInvalidInput, c.Scoring.Weights.Sum())
	}
	return nil
}
