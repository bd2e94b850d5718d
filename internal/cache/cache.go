package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a new cache based on configuration.
// "memory" returns an LRU cache. "redis" returns a Redis cache, wrapped in a
// TwoPhaseCache when EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("%w: unsupported cache type %q", domain.ErrInvalidInput, cfg.Type)
	}
}

// TwoPhaseCache reads a local LRU before Redis. Flags found only in Redis
// are copied into the LRU for at most l1TTL, which bounds how stale a
// replica's view of a sanctions change can get.
type TwoPhaseCache struct {
	local  *LRUCache
	remote domain.Cache
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL.Std()), nil
}

func newTwoPhase(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

// GetFlags checks L1, then L2, populating L1 on an L2 hit.
func (c *TwoPhaseCache) GetFlags(ctx context.Context, address string) (*domain.AddressFlags, error) {
	if flags, _ := c.local.GetFlags(ctx, address); flags != nil {
		return flags, nil
	}

	flags, err := c.remote.GetFlags(ctx, address)
	if err != nil || flags == nil {
		return nil, err
	}
	_ = c.local.SetFlags(ctx, flags, c.l1TTL)
	return flags, nil
}

// SetFlags writes both tiers; L1 never outlives ttl.
func (c *TwoPhaseCache) SetFlags(ctx context.Context, flags *domain.AddressFlags, ttl time.Duration) error {
	_ = c.local.SetFlags(ctx, flags, min(ttl, c.l1TTL))
	return c.remote.SetFlags(ctx, flags, ttl)
}

// Invalidate drops the address from both tiers.
func (c *TwoPhaseCache) Invalidate(ctx context.Context, address string) error {
	_ = c.local.Invalidate(ctx, address)
	return c.remote.Invalidate(ctx, address)
}

// Ping checks L2; L1 cannot fail.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}
