package pipeline

import (
	"container/list"
	"strings"
	"sync"
)

// Cache is a bounded LRU map from normalized source text to its translation.
// Keys are normalized with [CacheKey]; entries are inserted only after a
// successful engine call so failures are never memoized. Safe for concurrent
// use.
type Cache struct {
	mu      sync.Mutex
	max     int
	order   *list.List // front = most recently used
	entries map[string]*list.Element

	hits   int64
	misses int64
}

type cacheEntry struct {
	key         string
	translation string
}

// NewCache creates a Cache holding at most max entries. max <= 0 disables
// caching entirely.
func NewCache(max int) *Cache {
	return &Cache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// CacheKey normalizes source text for lookup: surrounding whitespace is
// trimmed and the text lowercased, so trivially re-spoken sentences hit.
func CacheKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Get returns the cached translation for text and whether it was present.
func (c *Cache) Get(text string) (string, bool) {
	if c.max <= 0 {
		return "", false
	}
	key := CacheKey(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).translation, true
}

// Put stores a successful translation, evicting the least recently used
// entry when full.
func (c *Cache) Put(text, translation string) {
	if c.max <= 0 {
		return
	}
	key := CacheKey(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).translation = translation
		c.order.MoveToFront(el)
		return
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, translation: translation})
	if c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// CacheStats is a snapshot of cache effectiveness counters.
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: c.order.Len(), Hits: c.hits, Misses: c.misses}
}
