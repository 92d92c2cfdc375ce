package billing

import (
	"sync"
	"time"
)

// SnapshotCache is a read-through projection of subscriptions used by the
// Access Gate. It is never written to except from a storage read, and
// writers invalidate it after every subscription change.
type SnapshotCache interface {
	// Get returns a fresh cached snapshot.
	Get(accountID string) (*Subscription, bool)

	// GetStale returns the last cached snapshot even if its TTL elapsed.
	// Used only when storage is unavailable.
	GetStale(accountID string) (*Subscription, bool)

	// Set stores a snapshot with TTL.
	Set(accountID string, sub *Subscription, ttl time.Duration)

	// Invalidate drops the snapshot for an account.
	Invalidate(accountID string)

	// Clear removes all entries.
	Clear()

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached value with expiration time and access time for LRU
type cacheEntry struct {
	sub        *Subscription
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// NoopCache disables caching.
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(_ string) (*Subscription, bool)             { return nil, false }
func (c *NoopCache) GetStale(_ string) (*Subscription, bool)        { return nil, false }
func (c *NoopCache) Set(_ string, _ *Subscription, _ time.Duration) {}
func (c *NoopCache) Invalidate(_ string)                            {}
func (c *NoopCache) Clear()                                         {}
func (c *NoopCache) Stats() CacheStats                              { return CacheStats{} }

// LRUCache is an in-memory SnapshotCache with TTL and least-recently-used eviction.
type LRUCache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	max       int
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
	now       func() time.Time
}

// NewLRUCache creates a cache holding at most maxEntries snapshots.
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &LRUCache{
		entries: make(map[string]*cacheEntry, maxEntries),
		max:     maxEntries,
		now:     time.Now,
	}
}

func (c *LRUCache) Get(accountID string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[accountID]
	if !ok || entry.isExpired(now) {
		c.misses++
		return nil, false
	}
	entry.accessTime = now
	c.hits++
	return entry.sub.Clone(), true
}

func (c *LRUCache) GetStale(accountID string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[accountID]
	if !ok {
		return nil, false
	}
	return entry.sub.Clone(), true
}

func (c *LRUCache) Set(accountID string, sub *Subscription, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[accountID]; !exists && len(c.entries) >= c.max {
		c.evictOldest()
	}

	seq := c.sequence
	c.sequence++
	c.entries[accountID] = &cacheEntry{
		sub:        sub.Clone(),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

// evictOldest removes the least recently used entry. Caller holds mu.
func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldest *cacheEntry
	for key, entry := range c.entries {
		if oldest == nil || entry.accessTime.Before(oldest.accessTime) ||
			(entry.accessTime.Equal(oldest.accessTime) && entry.sequence < oldest.sequence) {
			oldestKey = key
			oldest = entry
		}
	}
	if oldest != nil {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accountID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.max)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
