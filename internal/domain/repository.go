package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	GraphStore

	// MEV signals. SaveSignal reports false when the dedup key already exists.
	SaveSignal(ctx context.Context, signal *MEVSignal) (bool, error)
	ListSignals(ctx context.Context, blockNumber uint64) ([]*MEVSignal, error)

	// Risk score history
	SaveRiskScore(ctx context.Context, score *RiskScore) error
	LatestRiskScore(ctx context.Context, subject string) (*RiskScore, error)
	RiskScoreHistory(ctx context.Context, subject string, limit int) ([]*RiskScore, error)
	LatestRiskScores(ctx context.Context) ([]*RiskScore, error)

	// Alerts
	SaveAlert(ctx context.Context, alert *Alert) error
	ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]*Alert, error)
	RecordDelivery(ctx context.Context, receipt DeliveryReceipt) error
	PendingAlerts(ctx context.Context) ([]*Alert, error)

	// Dead letters
	SaveDeadLetter(ctx context.Context, dl *DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error

	// Alert rule configuration
	SaveAlertRule(ctx context.Context, rule *AlertRule) error
	GetAlertRule(ctx context.Context, id string) (*AlertRule, error)
	ListAlertRules(ctx context.Context) ([]*AlertRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `toml:"driver"`

	// SQLite specific
	SQLitePath string `toml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `toml:"postgres_host"`
	PostgresPort     int    `toml:"postgres_port"`
	PostgresUser     string `toml:"postgres_user"`
	PostgresPassword string `toml:"postgres_password"`
	PostgresDB       string `toml:"postgres_db"`
	PostgresSSLMode  string `toml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"-"`

	// RetryBudget bounds how long a graph write is retried before the
	// pipeline treats the store as unavailable.
	RetryBudget Duration `toml:"retry_budget"`
}
