package domain

import (
	"context"
	"time"
)

// Cache holds provider flags in front of a slow FlagProvider: a local LRU
// (Community), Redis shared between replicas (Pro), or both. Lookups take
// normalised addresses; a miss returns nil, nil.
type Cache interface {
	GetFlags(ctx context.Context, address string) (*AddressFlags, error)
	SetFlags(ctx context.Context, flags *AddressFlags, ttl time.Duration) error

	// Invalidate drops an address so the next lookup reaches the provider.
	Invalidate(ctx context.Context, address string) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `toml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int      `toml:"local_max_size"`
	LocalTTL     Duration `toml:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `toml:"enable_two_phase"` // If true, check local first, then Redis
}
