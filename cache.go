package ratewise

import (
	"container/list"
	"sync"
	"time"
)

// CacheEntry is a cached response snapshot with metadata. Entries handed out
// by a Cache are copies; eviction never invalidates a snapshot a caller
// already holds.
type CacheEntry struct {
	Value    *Response
	StoredAt time.Time
	TTL      time.Duration

	// ETag is an optional validator token. An expired entry that still has a
	// validator can be revalidated with a conditional request.
	ETag string
}

// Expired reports whether the entry is past its TTL at the given time. A
// non-positive TTL never expires.
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.StoredAt) >= e.TTL
}

func (e *CacheEntry) clone() *CacheEntry {
	if e == nil {
		return nil
	}
	return &CacheEntry{
		Value:    e.Value.clone(),
		StoredAt: e.StoredAt,
		TTL:      e.TTL,
		ETag:     e.ETag,
	}
}

// CacheStats is a snapshot of cache effectiveness counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Sets      uint64
	Deletes   uint64
	Evictions uint64
	HitRate   float64
}

// Cache is the capability set a response cache must provide. A miss is a
// value, not an error. Implementations must make every operation atomic with
// respect to concurrent callers.
//
// Get may return a non-nil stale entry together with found=false when the
// entry expired but still carries a validator token; callers can use it for
// a conditional revalidation. Plain misses return (nil, false).
type Cache interface {
	Get(key string) (entry *CacheEntry, found bool)
	Set(key string, entry *CacheEntry, ttl time.Duration)
	Delete(key string)
	Exists(key string) bool
	Clear()
	Stats() CacheStats
}

// CacheCondition decides whether a request is cacheable.
type CacheCondition func(req *Request) bool

// DefaultCacheCondition caches GET requests only.
func DefaultCacheCondition(req *Request) bool {
	return req.Method() == MethodGet
}

type lruItem struct {
	key   string
	entry *CacheEntry
}

// InMemoryCache is the reference Cache: a bounded LRU with lazy TTL expiry.
// A hit refreshes recency; inserting beyond MaxSize evicts the least
// recently used entry. Expired entries are removed on read and swept
// opportunistically on write. Safe for concurrent use; every operation runs
// under one critical section.
type InMemoryCache struct {
	defaultTTL time.Duration
	maxSize    int
	namespace  string

	mu    sync.Mutex
	table map[string]*list.Element
	order *list.List // front = most recently used

	hits      uint64
	misses    uint64
	sets      uint64
	deletes   uint64
	evictions uint64

	now func() time.Time
}

// NewInMemoryCache creates an in-memory cache. ttl is the default entry TTL
// (0 means entries never expire), maxSize bounds the entry count (0 means
// 1000), namespace prefixes every key.
func NewInMemoryCache(ttl time.Duration, maxSize int, namespace string) *InMemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &InMemoryCache{
		defaultTTL: ttl,
		maxSize:    maxSize,
		namespace:  namespace,
		table:      make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

func (c *InMemoryCache) makeKey(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + ":" + key
}

// Get returns a copy of the entry. A hit past its TTL counts as a miss and
// removes the entry; if the expired entry carried a validator token a stale
// copy is returned alongside found=false for revalidation.
func (c *InMemoryCache) Get(key string) (*CacheEntry, bool) {
	full := c.makeKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.table[full]
	if !ok {
		c.misses++
		return nil, false
	}

	item := elem.Value.(*lruItem)
	if item.entry.Expired(c.now()) {
		c.removeLocked(full, elem)
		c.misses++
		if item.entry.ETag != "" {
			return item.entry.clone(), false
		}
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return item.entry.clone(), true
}

// Set stores a copy of the entry at most-recently-used position. A zero ttl
// falls back to the cache default.
func (c *InMemoryCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	if entry == nil {
		return
	}
	full := c.makeKey(key)

	stored := entry.clone()
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	stored.TTL = ttl
	if stored.StoredAt.IsZero() {
		stored.StoredAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepExpiredLocked()

	if elem, ok := c.table[full]; ok {
		elem.Value.(*lruItem).entry = stored
		c.order.MoveToFront(elem)
		c.sets++
		return
	}

	for len(c.table) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*lruItem).key, oldest)
		c.evictions++
	}

	c.table[full] = c.order.PushFront(&lruItem{key: full, entry: stored})
	c.sets++
}

// Delete removes an entry if present.
func (c *InMemoryCache) Delete(key string) {
	full := c.makeKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[full]; ok {
		c.removeLocked(full, elem)
		c.deletes++
	}
}

// Exists reports whether a fresh entry is present without refreshing recency.
func (c *InMemoryCache) Exists(key string) bool {
	full := c.makeKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.table[full]
	if !ok {
		return false
	}
	if elem.Value.(*lruItem).entry.Expired(c.now()) {
		c.removeLocked(full, elem)
		return false
	}
	return true
}

// Clear drops every entry. Statistics are preserved.
func (c *InMemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.table = make(map[string]*list.Element)
	c.order.Init()
}

// Stats returns a counter snapshot including the derived hit rate.
func (c *InMemoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Sets:      c.sets,
		Deletes:   c.deletes,
		Evictions: c.evictions,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Size reports the current entry count.
func (c *InMemoryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

func (c *InMemoryCache) removeLocked(key string, elem *list.Element) {
	c.order.Remove(elem)
	delete(c.table, key)
}

func (c *InMemoryCache) sweepExpiredLocked() {
	now := c.now()
	for elem := c.order.Back(); elem != nil; {
		item := elem.Value.(*lruItem)
		prev := elem.Prev()
		if item.entry.Expired(now) {
			c.removeLocked(item.key, elem)
			c.evictions++
		}
		elem = prev
	}
}
