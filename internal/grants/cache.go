package grants

import (
	"sync"
	"sync/atomic"
	"time"
)

// Invalidator drops cached grant lookups for a resource. Called
// synchronously after every grant mutation.
type Invalidator interface {
	Invalidate(resourceID string)
}

// GrantCache is a TTL-based in-memory cache with stale-while-revalidate for
// the grant rows of a resource. Uses sync.Map for lock-free reads on the hot path.
//
// Fills are fenced by a per-resource generation: a caller takes Generation
// before reading the store, and Set drops the rows if Invalidate ran since.
type GrantCache struct {
	store sync.Map // map[string]*grantCacheEntry
	ttl   time.Duration

	mu   sync.Mutex
	gens map[string]uint64
}

type grantCacheEntry struct {
	grants     []Grant // empty = negative cache (no grants)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Grants       []Grant
	Hit          bool // true if a value was found (fresh or stale)
	NeedsRefresh bool // true if expired; caller should refresh in background
}

// NewGrantCache creates a cache with the given TTL.
func NewGrantCache(ttl time.Duration) *GrantCache {
	return &GrantCache{ttl: ttl, gens: make(map[string]uint64)}
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *GrantCache) Get(resourceID string) CacheGetResult {
	val, ok := c.store.Load(resourceID)
	if !ok {
		return CacheGetResult{Hit: false}
	}

	entry := val.(*grantCacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return CacheGetResult{Grants: entry.grants, Hit: true}
	}

	// Stale hit: only one goroutine wins the CAS
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return CacheGetResult{
		Grants:       entry.grants,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Generation returns the invalidation counter of a resource. Take it before
// reading the rows that will be passed to Set.
func (c *GrantCache) Generation(resourceID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[resourceID]
}

// Set stores the grant rows of a resource with a fresh TTL, unless the
// resource was invalidated after gen was taken. Reports whether it stored.
func (c *GrantCache) Set(resourceID string, gen uint64, grants []Grant) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[resourceID] != gen {
		return false
	}
	c.store.Store(resourceID, &grantCacheEntry{
		grants:    grants,
		expiresAt: time.Now().Add(c.ttl),
	})
	return true
}

// Invalidate removes the entry for a resource and fences off fills that
// started before it.
func (c *GrantCache) Invalidate(resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[resourceID]++
	c.store.Delete(resourceID)
}
