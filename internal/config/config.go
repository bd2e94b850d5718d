// Package config loads the Kestrel configuration: built-in tier defaults,
// then an optional TOML file, then .env and KESTREL_* environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KESTREL_"

// Load builds the configuration. path may be empty. A missing .env file is
// not an error.
func Load(path string) (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to read .env", "error", err)
	}

	var raw []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		raw = b
	}

	tier, err := selectTier(raw)
	if err != nil {
		return nil, err
	}
	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if raw != nil {
		meta, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrInvalidInput, path, err)
		}
		for _, key := range meta.Undecoded() {
			slog.Warn("unknown config key", "key", key.String(), "file", path)
		}
	}
	cfg.Tier = tier

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// selectTier picks the base defaults: KESTREL_TIER wins over the file.
func selectTier(raw []byte) (domain.Tier, error) {
	tier := domain.TierCommunity
	if raw != nil {
		var head struct {
			Tier domain.Tier `toml:"tier"`
		}
		if _, err := toml.Decode(string(raw), &head); err != nil {
			return "", fmt.Errorf("%w: decode config: %v", domain.ErrInvalidInput, err)
		}
		if head.Tier != "" {
			tier = head.Tier
		}
	}
	if v, ok := lookup("TIER"); ok {
		tier = domain.Tier(strings.ToLower(v))
	}
	switch tier {
	case domain.TierCommunity, domain.TierPro:
		return tier, nil
	default:
		return "", fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidInput, tier)
	}
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// applyEnv overlays KESTREL_* variables.
func applyEnv(cfg *domain.Config) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		n, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not a number", domain.ErrInvalidInput, EnvPrefix, name, v)
		}
		*dst = n
		return nil
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok {
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			*dst = out
		}
	}

	str("DB_DRIVER", &cfg.Repository.Driver)
	str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)
	str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("NATS_URL", &cfg.EventBus.NATSUrl)
	str("NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)
	str("FEED_TYPE", &cfg.Feed.Type)
	list("KAFKA_BROKERS", &cfg.Feed.KafkaBrokers)
	str("KAFKA_TOPIC", &cfg.Feed.KafkaTopic)
	str("WS_URL", &cfg.Feed.WebSocketURL)
	str("FLAGS_URL", &cfg.Flags.BaseURL)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FILE", &cfg.Logging.File)

	if err := num("POSTGRES_PORT", &cfg.Repository.PostgresPort); err != nil {
		return err
	}
	if err := num("PORT", &cfg.Server.Port); err != nil {
		return err
	}

	if v, ok := lookup("DEBUG"); ok && cast.ToBool(v) {
		cfg.Logging.Level = "debug"
	}
	return nil
}
