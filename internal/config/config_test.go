package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// chdir isolates Load from a .env file in the package directory.
func chdir(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	chdir(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, 0.75, cfg.Entity.SimilarityThreshold)
	assert.Equal(t, 120*time.Second, cfg.Alerts.DefaultCooldown.Std())
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
}

func TestLoadFile(t *testing.T) {
	chdir(t)

	path := writeConfig(t, `
[entity]
similarity_threshold = 0.8

[mev]
gas_multiplier = 2.0
dedup_ttl = "1h"

[alerts]
default_cooldown = "30s"

[pipeline]
epoch_blocks = 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.Entity.SimilarityThreshold)
	assert.Equal(t, 2.0, cfg.MEV.GasMultiplier)
	assert.Equal(t, time.Hour, cfg.MEV.DedupTTL.Std())
	assert.Equal(t, 30*time.Second, cfg.Alerts.DefaultCooldown.Std())
	assert.Equal(t, 10, cfg.Pipeline.EpochBlocks)
	assert.Equal(t, 0.7, cfg.Entity.CosineWeight, "unset keys keep their defaults")
}

func TestLoadProTierFromFile(t *testing.T) {
	chdir(t)

	cfg, err := Load(writeConfig(t, `tier = "pro"`))
	require.NoError(t, err)
	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "kafka", cfg.Feed.Type)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t)
	t.Setenv("KESTREL_TIER", "pro")
	t.Setenv("KESTREL_PORT", "9090")
	t.Setenv("KESTREL_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("KESTREL_DEBUG", "true")
	t.Setenv("KESTREL_FEED_TYPE", "websocket")

	cfg, err := Load(writeConfig(t, `tier = "community"`))
	require.NoError(t, err)
	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Feed.KafkaBrokers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "websocket", cfg.Feed.Type)
}

func TestLoadDotEnv(t *testing.T) {
	chdir(t)
	require.NoError(t, os.WriteFile(".env", []byte("KESTREL_SQLITE_PATH=/tmp/from-dotenv.db\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("KESTREL_SQLITE_PATH") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-dotenv.db", cfg.Repository.SQLitePath)
}

func TestLoadRejects(t *testing.T) {
	chdir(t)

	tests := []struct {
		name string
		body string
	}{
		{"threshold out of range", "[entity]\nsimilarity_threshold = 1.5\n"},
		{"weights do not sum to one", "[scoring.weights]\nmev_involvement = 0.9\n"},
		{"multiplier not above one", "[mev]\ngas_multiplier = 1.0\n"},
		{"zero queue", "[pipeline]\nscore_queue_size = 0\n"},
		{"unknown tier", "tier = \"enterprise\"\n"},
		{"bad toml", "[entity\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}

	t.Run("bad port", func(t *testing.T) {
		t.Setenv("KESTREL_PORT", "eighty")
		_, err := Load("")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
		assert.Error(t, err)
	})
}
