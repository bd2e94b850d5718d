// Package flags is the boundary to the sanctions and whale-signal provider.
package flags

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/tidwall/gjson"
)

// NewProvider creates the provider named by cfg.Provider.
func NewProvider(cfg domain.FlagsConfig) (domain.FlagProvider, error) {
	switch cfg.Provider {
	case "static", "":
		return NewStaticProvider(cfg.Sanctioned, cfg.WhaleScores), nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("%w: flags.base_url is required for the http provider", domain.ErrInvalidInput)
		}
		return NewHTTPProvider(cfg.BaseURL, nil), nil
	default:
		return nil, fmt.Errorf("unsupported flag provider: %s", cfg.Provider)
	}
}

// StaticProvider answers from configured lists.
type StaticProvider struct {
	sanctioned map[string]struct{}
	whales     map[string]float64
}

// NewStaticProvider creates a static provider.
func NewStaticProvider(sanctioned []string, whales map[string]float64) *StaticProvider {
	p := &StaticProvider{
		sanctioned: make(map[string]struct{}, len(sanctioned)),
		whales:     make(map[string]float64, len(whales)),
	}
	for _, a := range sanctioned {
		p.sanctioned[domain.NormalizeAddress(a)] = struct{}{}
	}
	for a, s := range whales {
		p.whales[domain.NormalizeAddress(a)] = s
	}
	return p
}

// Lookup returns the configured flags for address.
func (p *StaticProvider) Lookup(ctx context.Context, address string) (*domain.AddressFlags, error) {
	address = domain.NormalizeAddress(address)
	_, sanctioned := p.sanctioned[address]
	return &domain.AddressFlags{
		Address:    address,
		Sanctioned: sanctioned,
		WhaleScore: p.whales[address],
		Source:     p.Name(),
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// Name returns the provider name.
func (p *StaticProvider) Name() string { return "static" }

// HTTPProvider queries GET {base}/v1/addresses/{address}. The response is a
// JSON object with "sanctioned" and "whaleScore" fields; the fields may also
// be nested under "data".
type HTTPProvider struct {
	base   string
	client *http.Client
}

// NewHTTPProvider creates an HTTP provider. A nil client uses http.DefaultClient.
func NewHTTPProvider(baseURL string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{base: strings.TrimRight(baseURL, "/"), client: client}
}

// Lookup fetches flags for address.
func (p *HTTPProvider) Lookup(ctx context.Context, address string) (*domain.AddressFlags, error) {
	address = domain.NormalizeAddress(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/v1/addresses/"+url.PathEscape(address), nil)
	if err != nil {
		return nil, fmt.Errorf("build flag request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flag lookup %s: %w", address, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read flag response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// unknown to the provider
		return &domain.AddressFlags{Address: address, Source: p.Name(), FetchedAt: time.Now().UTC()}, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("flag lookup %s: provider returned %d", address, resp.StatusCode)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("flag lookup %s: invalid JSON response", address)
	}
	doc := gjson.ParseBytes(body)
	if data := doc.Get("data"); data.IsObject() {
		doc = data
	}

	return &domain.AddressFlags{
		Address:    address,
		Sanctioned: doc.Get("sanctioned").Bool(),
		WhaleScore: clamp(doc.Get("whaleScore").Float()),
		Source:     p.Name(),
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// Name returns the provider name.
func (p *HTTPProvider) Name() string { return "http" }

func clamp(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
