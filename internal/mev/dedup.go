package mev

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Deduper remembers signal keys for a TTL so that re-processing a block
// does not emit the same signal twice.
type Deduper struct {
	seen *cache.Cache
}

// NewDeduper creates a dedup set.
func NewDeduper(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Deduper{seen: cache.New(ttl, 2*ttl)}
}

// Seen reports whether key was marked and has not expired.
func (d *Deduper) Seen(key string) bool {
	_, ok := d.seen.Get(key)
	return ok
}

// Mark records key.
func (d *Deduper) Mark(key string) {
	d.seen.Set(key, struct{}{}, cache.DefaultExpiration)
}

// Len returns the number of live keys.
func (d *Deduper) Len() int {
	return d.seen.ItemCount()
}
