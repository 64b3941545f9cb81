package registry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/metrics"
)

type cacheEntry struct {
	endpoints []*Endpoint
	loadedAt  time.Time
}

// Cache holds the active endpoints of each scope for at most ttl. Readers
// never wait on invalidation; invalidation drops entries and bumps a
// generation so loads that started earlier are not stored.
type Cache struct {
	load func(ctx context.Context, scope event.Scope) ([]*Endpoint, error)
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[event.Scope]cacheEntry
	gen     uint64

	group singleflight.Group
}

func newCache(load func(context.Context, event.Scope) ([]*Endpoint, error), ttl time.Duration, now func() time.Time) *Cache {
	return &Cache{
		load:    load,
		ttl:     ttl,
		now:     now,
		entries: make(map[event.Scope]cacheEntry),
	}
}

// Get returns the cached active endpoints of scope, loading on miss or
// expiry. The returned endpoints are shared and must not be modified.
func (c *Cache) Get(ctx context.Context, scope event.Scope) ([]*Endpoint, error) {
	c.mu.RLock()
	entry, ok := c.entries[scope]
	gen := c.gen
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.loadedAt) < c.ttl {
		metrics.RecordCacheLookup(true)
		return entry.endpoints, nil
	}
	metrics.RecordCacheLookup(false)

	// Joiners share the load, so it ignores the first caller's
	// cancellation. Each caller still gives up on its own ctx.
	ch := c.group.DoChan(string(scope), func() (any, error) {
		eps, err := c.load(context.WithoutCancel(ctx), scope)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.entries[scope] = cacheEntry{endpoints: eps, loadedAt: c.now()}
		}
		c.mu.Unlock()
		return eps, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*Endpoint), nil
	}
}

// Invalidate drops the entry for scope.
func (c *Cache) Invalidate(scope event.Scope) {
	c.mu.Lock()
	delete(c.entries, scope)
	c.gen++
	c.mu.Unlock()
	c.group.Forget(string(scope))
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[event.Scope]cacheEntry)
	c.gen++
	c.mu.Unlock()
}
