package costcenter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/migalsp/kubex-lifecycle/internal/metrics"
)

// DefaultCacheTTL is how long a permission lookup, found or not, is reused.
const DefaultCacheTTL = 300 * time.Second

type cacheEntry struct {
	perm      *Permission // nil when the store had no record
	fetchedAt time.Time
	ttl       time.Duration
}

func (e *cacheEntry) fresh(now time.Time) bool {
	return now.Sub(e.fetchedAt) <= e.ttl
}

// Cache is a read-through permission cache. Misses and negative results are
// cached for TTL. Invalidate bumps a per-key generation so a fetch that
// started before the invalidation never repopulates the entry.
type Cache struct {
	store Store
	ttl   time.Duration

	mu          sync.RWMutex
	entries     map[string]*cacheEntry
	generations map[string]uint64

	group singleflight.Group
}

func NewCache(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		store:       store,
		ttl:         ttl,
		entries:     make(map[string]*cacheEntry),
		generations: make(map[string]uint64),
	}
}

// Get returns the permission for costCenter as of now. found is false when
// the store has no record. err is non-nil only when the store failed.
func (c *Cache) Get(ctx context.Context, costCenter string, now time.Time) (perm Permission, found bool, err error) {
	c.mu.RLock()
	entry, ok := c.entries[costCenter]
	gen := c.generations[costCenter]
	c.mu.RUnlock()

	if ok && entry.fresh(now) {
		if entry.perm == nil {
			metrics.PermissionCacheLookups.WithLabelValues("negative_hit").Inc()
			return Permission{}, false, nil
		}
		metrics.PermissionCacheLookups.WithLabelValues("hit").Inc()
		return entry.perm.clone(), true, nil
	}
	metrics.PermissionCacheLookups.WithLabelValues("miss").Inc()

	key := fmt.Sprintf("%s#%d", costCenter, gen)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		p, err := c.store.GetPermission(ctx, costCenter)
		if err != nil && !errors.Is(err, ErrPermissionNotFound) {
			return nil, err
		}
		if errors.Is(err, ErrPermissionNotFound) {
			p = nil
		}

		c.mu.Lock()
		if c.generations[costCenter] == gen {
			c.entries[costCenter] = &cacheEntry{perm: p, fetchedAt: now, ttl: c.ttl}
		}
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return Permission{}, false, err
	}

	p, _ := v.(*Permission)
	if p == nil {
		return Permission{}, false, nil
	}
	return p.clone(), true, nil
}

// Invalidate drops the entry for costCenter. Once it returns, the next Get
// reads the store.
func (c *Cache) Invalidate(costCenter string) {
	c.mu.Lock()
	delete(c.entries, costCenter)
	c.generations[costCenter]++
	c.mu.Unlock()
}

// Len reports the number of cached entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
