// Package cache provides the caches that sit in front of the flag provider.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LRUCache keeps the most recently looked-up addresses in memory.
// Used as the community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	byAddr   map[string]*list.Element
	recency  *list.List
	now      func() time.Time
}

type flagEntry struct {
	flags     domain.AddressFlags
	expiresAt time.Time
}

// NewLRUCache creates a cache holding at most capacity addresses.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		byAddr:   make(map[string]*list.Element),
		recency:  list.New(),
		now:      time.Now,
	}
}

// GetFlags returns a copy of the cached flags, or nil once they expire.
func (c *LRUCache) GetFlags(ctx context.Context, address string) (*domain.AddressFlags, error) {
	address = domain.NormalizeAddress(address)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byAddr[address]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*flagEntry)
	if c.now().After(entry.expiresAt) {
		c.remove(elem)
		return nil, nil
	}
	c.recency.MoveToFront(elem)
	flags := entry.flags
	return &flags, nil
}

// SetFlags stores a copy of flags, evicting the least recently used
// address when full.
func (c *LRUCache) SetFlags(ctx context.Context, flags *domain.AddressFlags, ttl time.Duration) error {
	entry := &flagEntry{flags: *flags, expiresAt: c.now().Add(ttl)}
	entry.flags.Address = domain.NormalizeAddress(flags.Address)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byAddr[entry.flags.Address]; ok {
		elem.Value = entry
		c.recency.MoveToFront(elem)
		return nil
	}
	c.byAddr[entry.flags.Address] = c.recency.PushFront(entry)
	if c.recency.Len() > c.capacity {
		c.remove(c.recency.Back())
	}
	return nil
}

// Invalidate drops address from the cache.
func (c *LRUCache) Invalidate(ctx context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.byAddr[domain.NormalizeAddress(address)]; ok {
		c.remove(elem)
	}
	return nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byAddr = make(map[string]*list.Element)
	c.recency.Init()
	return nil
}

// Len returns the number of cached addresses, expired ones included until
// they are next read.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}

func (c *LRUCache) remove(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.byAddr, elem.Value.(*flagEntry).flags.Address)
}
