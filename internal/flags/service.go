package flags

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of an asynchronous lookup.
type Result struct {
	Flags *domain.AddressFlags
	Err   error
}

// Service wraps a provider with a per-call timeout and a result cache.
type Service struct {
	provider domain.FlagProvider
	cache    domain.Cache
	timeout  time.Duration
	ttl      time.Duration
}

// NewService creates a flag service. cache may be nil.
func NewService(provider domain.FlagProvider, cache domain.Cache, cfg domain.FlagsConfig) *Service {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ttl := cfg.CacheTTL.Std()
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{provider: provider, cache: cache, timeout: timeout, ttl: ttl}
}

// Lookup returns flags for address, from cache when possible.
func (s *Service) Lookup(ctx context.Context, address string) (*domain.AddressFlags, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: not an address: %q", domain.ErrInvalidInput, address)
	}
	address = domain.NormalizeAddress(address)

	if s.cache != nil {
		cached, err := s.cache.GetFlags(ctx, address)
		if err != nil {
			slog.Debug("flag cache read failed", "address", address, "error", err)
			if err := s.cache.Invalidate(ctx, address); err != nil {
				slog.Debug("flag cache invalidate failed", "address", address, "error", err)
			}
		} else if cached != nil {
			return cached, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	flags, err := s.provider.Lookup(callCtx, address)
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", s.provider.Name(), err)
	}

	if s.cache != nil {
		if err := s.cache.SetFlags(ctx, flags, s.ttl); err != nil {
			slog.Debug("flag cache write failed", "address", address, "error", err)
		}
	}
	return flags, nil
}

// LookupAsync starts a lookup and returns a channel that receives exactly
// one Result.
func (s *Service) LookupAsync(ctx context.Context, address string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		flags, err := s.Lookup(ctx, address)
		out <- Result{Flags: flags, Err: err}
	}()
	return out
}

// LookupMany resolves flags for several addresses concurrently. Addresses
// whose lookup fails are absent from the result and logged; the caller
// scores them as unflagged.
func (s *Service) LookupMany(ctx context.Context, addresses []string) map[string]*domain.AddressFlags {
	results := make([]*domain.AddressFlags, len(addresses))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, addr := range addresses {
		g.Go(func() error {
			flags, err := s.Lookup(gctx, addr)
			if err != nil {
				slog.Warn("flag lookup failed", "address", addr, "error", err)
				return nil
			}
			results[i] = flags
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]*domain.AddressFlags, len(addresses))
	for _, f := range results {
		if f != nil {
			out[f.Address] = f
		}
	}
	return out
}

// Provider returns the wrapped provider.
func (s *Service) Provider() domain.FlagProvider {
	return s.provider
}
