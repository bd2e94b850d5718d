package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/cast"
)

// NormalizeMetrics converts a loosely typed snapshot (decoded JSON, query
// parameters) into the float map conditions are evaluated against. Booleans
// become 0 or 1; numeric strings are parsed.
func NormalizeMetrics(raw map[string]any) (map[string]float64, error) {
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return nil, fmt.Errorf("%w: metric %q: %v", domain.ErrInvalidInput, k, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: metric %q is not finite", domain.ErrInvalidInput, k)
		}
		out[k] = f
	}
	return out, nil
}
