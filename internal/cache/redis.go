package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// Hash fields of a cached flag record.
const (
	fieldSanctioned = "sanctioned"
	fieldWhaleScore = "whale_score"
	fieldSource     = "source"
	fieldFetchedAt  = "fetched_at"
)

// RedisCache stores each address's flags as a Redis hash under
// kestrel:flags:<address>, so replicas share provider results.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   password,
		DB:         db,
		ClientName: "kestrel",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client}, nil
}

func flagsKey(address string) string {
	return "kestrel:flags:" + domain.NormalizeAddress(address)
}

// GetFlags reads the address's hash. A hash with unparseable fields is an
// error rather than a miss.
func (c *RedisCache) GetFlags(ctx context.Context, address string) (*domain.AddressFlags, error) {
	fields, err := c.client.HGetAll(ctx, flagsKey(address)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeFlags(domain.NormalizeAddress(address), fields)
}

// SetFlags writes the hash and its expiry in one transaction.
func (c *RedisCache) SetFlags(ctx context.Context, flags *domain.AddressFlags, ttl time.Duration) error {
	key := flagsKey(flags.Address)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodeFlags(flags))
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	return err
}

// Invalidate deletes the address's hash.
func (c *RedisCache) Invalidate(ctx context.Context, address string) error {
	return c.client.Del(ctx, flagsKey(address)).Err()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func encodeFlags(f *domain.AddressFlags) map[string]any {
	var fetched int64
	if !f.FetchedAt.IsZero() {
		fetched = f.FetchedAt.UnixNano()
	}
	return map[string]any{
		fieldSanctioned: cast.ToString(f.Sanctioned),
		fieldWhaleScore: cast.ToString(f.WhaleScore),
		fieldSource:     f.Source,
		fieldFetchedAt:  cast.ToString(fetched),
	}
}

func decodeFlags(address string, fields map[string]string) (*domain.AddressFlags, error) {
	sanctioned, err := cast.ToBoolE(fields[fieldSanctioned])
	if err != nil {
		return nil, fmt.Errorf("decode cached flags for %s: %s: %w", address, fieldSanctioned, err)
	}
	whale, err := cast.ToFloat64E(fields[fieldWhaleScore])
	if err != nil {
		return nil, fmt.Errorf("decode cached flags for %s: %s: %w", address, fieldWhaleScore, err)
	}
	fetched, err := cast.ToInt64E(fields[fieldFetchedAt])
	if err != nil {
		return nil, fmt.Errorf("decode cached flags for %s: %s: %w", address, fieldFetchedAt, err)
	}

	flags := &domain.AddressFlags{
		Address:    address,
		Sanctioned: sanctioned,
		WhaleScore: whale,
		Source:     fields[fieldSource],
	}
	if fetched > 0 {
		flags.FetchedAt = time.Unix(0, fetched).UTC()
	}
	return flags, nil
}
