package flags

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tornado = "0xd90e2f925da726b50c4ed8d0fb90ad053324f31b"
	whale   = "0x00000000219ab540356cbb839cbe05303d7705fa"
	plain   = "0x1111111111111111111111111111111111111111"
)

type countingProvider struct {
	inner domain.FlagProvider
	delay time.Duration
	fail  error
	calls atomic.Int32
}

func (p *countingProvider) Lookup(ctx context.Context, address string) (*domain.AddressFlags, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.fail != nil {
		return nil, p.fail
	}
	return p.inner.Lookup(ctx, address)
}

func (p *countingProvider) Name() string { return "counting" }

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider([]string{strings.ToUpper(tornado)}, map[string]float64{whale: 0.8})
	ctx := context.Background()

	f, err := p.Lookup(ctx, tornado)
	require.NoError(t, err)
	assert.True(t, f.Sanctioned)
	assert.Zero(t, f.WhaleScore)

	f, err = p.Lookup(ctx, whale)
	require.NoError(t, err)
	assert.False(t, f.Sanctioned)
	assert.Equal(t, 0.8, f.WhaleScore)
	assert.Equal(t, "static", f.Source)
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/addresses/" + tornado:
			_, _ = w.Write([]byte(`{"sanctioned":true,"whaleScore":0.1}`))
		case "/v1/addresses/" + whale:
			_, _ = w.Write([]byte(`{"data":{"sanctioned":false,"whaleScore":4.5}}`))
		case "/v1/addresses/0x2222222222222222222222222222222222222222":
			w.WriteHeader(http.StatusInternalServerError)
		case "/v1/addresses/0x3333333333333333333333333333333333333333":
			_, _ = w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/", srv.Client())
	ctx := context.Background()

	f, err := p.Lookup(ctx, tornado)
	require.NoError(t, err)
	assert.True(t, f.Sanctioned)
	assert.Equal(t, 0.1, f.WhaleScore)

	f, err = p.Lookup(ctx, whale)
	require.NoError(t, err)
	assert.False(t, f.Sanctioned)
	assert.Equal(t, 1.0, f.WhaleScore, "whale score is clamped")

	f, err = p.Lookup(ctx, plain)
	require.NoError(t, err)
	assert.False(t, f.Sanctioned)

	_, err = p.Lookup(ctx, "0x2222222222222222222222222222222222222222")
	assert.Error(t, err)

	_, err = p.Lookup(ctx, "0x3333333333333333333333333333333333333333")
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(domain.FlagsConfig{Provider: "static"})
	require.NoError(t, err)
	assert.Equal(t, "static", p.Name())

	_, err = NewProvider(domain.FlagsConfig{Provider: "http"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	p, err = NewProvider(domain.FlagsConfig{Provider: "http", BaseURL: "http://flags.local"})
	require.NoError(t, err)
	assert.Equal(t, "http", p.Name())

	_, err = NewProvider(domain.FlagsConfig{Provider: "chainalysis"})
	assert.Error(t, err)
}

func TestServiceCachesResults(t *testing.T) {
	provider := &countingProvider{inner: NewStaticProvider([]string{tornado}, nil)}
	svc := NewService(provider, cache.NewLRUCache(100), domain.FlagsConfig{CacheTTL: domain.Duration(time.Minute)})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f, err := svc.Lookup(ctx, strings.ToUpper(tornado[:2])+tornado[2:])
		require.NoError(t, err)
		assert.True(t, f.Sanctioned)
	}
	assert.Equal(t, int32(1), provider.calls.Load())
}

// corruptCache fails the first read of every address, like a Redis hash
// written by an older release.
type corruptCache struct {
	*cache.LRUCache
	corrupt     map[string]bool
	invalidated []string
}

func (c *corruptCache) GetFlags(ctx context.Context, address string) (*domain.AddressFlags, error) {
	if c.corrupt[address] {
		return nil, errors.New("decode cached flags: bad field")
	}
	return c.LRUCache.GetFlags(ctx, address)
}

func (c *corruptCache) Invalidate(ctx context.Context, address string) error {
	c.invalidated = append(c.invalidated, address)
	delete(c.corrupt, address)
	return c.LRUCache.Invalidate(ctx, address)
}

func TestServiceReplacesUnreadableCacheEntries(t *testing.T) {
	provider := &countingProvider{inner: NewStaticProvider([]string{tornado}, nil)}
	c := &corruptCache{LRUCache: cache.NewLRUCache(10), corrupt: map[string]bool{tornado: true}}
	svc := NewService(provider, c, domain.FlagsConfig{})
	ctx := context.Background()

	f, err := svc.Lookup(ctx, tornado)
	require.NoError(t, err)
	assert.True(t, f.Sanctioned)
	assert.Equal(t, []string{tornado}, c.invalidated)

	_, err = svc.Lookup(ctx, tornado)
	require.NoError(t, err)
	assert.Equal(t, int32(1), provider.calls.Load(), "the rewritten entry serves the second lookup")
}

func TestServiceTimeout(t *testing.T) {
	provider := &countingProvider{inner: NewStaticProvider(nil, nil), delay: time.Second}
	svc := NewService(provider, nil, domain.FlagsConfig{Timeout: domain.Duration(20 * time.Millisecond)})

	start := time.Now()
	_, err := svc.Lookup(context.Background(), plain)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestServiceRejectsBadAddress(t *testing.T) {
	provider := &countingProvider{inner: NewStaticProvider(nil, nil)}
	svc := NewService(provider, nil, domain.FlagsConfig{})

	_, err := svc.Lookup(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Zero(t, provider.calls.Load())
}

func TestLookupAsync(t *testing.T) {
	svc := NewService(NewStaticProvider([]string{tornado}, nil), nil, domain.FlagsConfig{})

	select {
	case res := <-svc.LookupAsync(context.Background(), tornado):
		require.NoError(t, res.Err)
		assert.True(t, res.Flags.Sanctioned)
	case <-time.After(time.Second):
		t.Fatal("async lookup did not complete")
	}
}

func TestLookupMany(t *testing.T) {
	failing := &countingProvider{inner: NewStaticProvider(nil, nil), fail: errors.New("provider down")}
	svc := NewService(failing, nil, domain.FlagsConfig{})
	assert.Empty(t, svc.LookupMany(context.Background(), []string{tornado, whale}))

	svc = NewService(NewStaticProvider([]string{tornado}, map[string]float64{whale: 0.5}), nil, domain.FlagsConfig{})
	got := svc.LookupMany(context.Background(), []string{tornado, whale, plain, "junk"})
	require.Len(t, got, 3)
	assert.True(t, got[tornado].Sanctioned)
	assert.Equal(t, 0.5, got[whale].WhaleScore)
	assert.False(t, got[plain].Sanctioned)
}
