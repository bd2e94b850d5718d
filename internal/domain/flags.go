package domain

import (
	"context"
	"time"
)

// AddressFlags is the sanctions/whale-signal provider's view of an address.
type AddressFlags struct {
	Address    string    `json:"address"`
	Sanctioned bool      `json:"sanctioned"`
	WhaleScore float64   `json:"whaleScore"`
	Source     string    `json:"source"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// FlagProvider looks up external flags. Implementations may be slow or fail.
type FlagProvider interface {
	Lookup(ctx context.Context, address string) (*AddressFlags, error)
	Name() string
}

// FlagsConfig configures the provider boundary.
type FlagsConfig struct {
	// Provider is "static" or "http"
	Provider string   `toml:"provider"`
	BaseURL  string   `toml:"base_url"`
	Timeout  Duration `toml:"timeout"`
	CacheTTL Duration `toml:"cache_ttl"`

	// Static provider lists
	Sanctioned  []string           `toml:"sanctioned"`
	WhaleScores map[string]float64 `toml:"whale_scores"`
}
