package blob

import (
	"container/list"
	"sync"
	"time"
)

// CacheConfig configures the per-instance LRU+TTL cache (spec.md §4.4.5).
type CacheConfig struct {
	MaxSizeBytes     int64
	MaxItems         int
	MaxItemSizeBytes int64
	TTL              time.Duration
}

type cacheEntry struct {
	key       string
	value     interface{}
	sizeBytes int64
	storedAt  time.Time
}

// Cache is a recency-ordered cache keyed by the blob logical key
// (spec.md §4.4.5 "{type}#{id}#{field}#(v{n}|latest)"), with byte and
// item-count bounds plus an optional TTL. All mutation and lookup happen
// under a single mutex, matching the spec's concurrency requirement.
type Cache struct {
	cfg CacheConfig

	mu        sync.Mutex
	ll        *list.List
	items     map[string]*list.Element
	sizeBytes int64

	hits, misses, evictions int64
}

// NewCache constructs a Cache. A zero MaxItems/MaxSizeBytes means
// unbounded on that axis; TTL of zero means entries never expire on time.
func NewCache(cfg CacheConfig) *Cache {
	return &Cache{cfg: cfg, ll: list.New(), items: make(map[string]*list.Element)}
}

// Get returns the cached value for key, promoting it to most-recently-used.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.cfg.TTL > 0 && time.Since(entry.storedAt) > c.cfg.TTL {
		c.removeElement(el)
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return entry.value, true
}

// Put inserts or replaces the entry for key. Entries whose sizeBytes
// exceeds MaxItemSizeBytes are skipped entirely (spec.md §4.4.5).
func (c *Cache) Put(key string, value interface{}, sizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.MaxItemSizeBytes > 0 && sizeBytes > c.cfg.MaxItemSizeBytes {
		return
	}
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	entry := &cacheEntry{key: key, value: value, sizeBytes: sizeBytes, storedAt: time.Now()}
	el := c.ll.PushFront(entry)
	c.items[key] = el
	c.sizeBytes += sizeBytes

	for c.overCapacity() {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
	}
}

func (c *Cache) overCapacity() bool {
	if c.cfg.MaxItems > 0 && c.ll.Len() > c.cfg.MaxItems {
		return true
	}
	if c.cfg.MaxSizeBytes > 0 && c.sizeBytes > c.cfg.MaxSizeBytes {
		return true
	}
	return false
}

// Invalidate removes key, if present, used whenever an external mutation
// (delete, copy_blob onto the same key) must purge a stale entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// InvalidatePrefix removes every entry whose key starts with prefix, used
// by delete_all_blobs (spec.md §4.4.5).
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var toRemove []*list.Element
	for k, el := range c.items {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		c.removeElement(el)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.ll.Remove(el)
	delete(c.items, entry.key)
	c.sizeBytes -= entry.sizeBytes
}

// Info is a read-only snapshot of cache statistics (spec.md §4.4.5,
// SPEC_FULL.md §C "get_cache_info").
type Info struct {
	Hits             int64
	Misses           int64
	Evictions        int64
	CurrentSizeBytes int64
	CurrentItems     int
}

// Stats returns a copy-on-read snapshot.
func (c *Cache) Stats() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Hits:             c.hits,
		Misses:           c.misses,
		Evictions:        c.evictions,
		CurrentSizeBytes: c.sizeBytes,
		CurrentItems:     c.ll.Len(),
	}
}
