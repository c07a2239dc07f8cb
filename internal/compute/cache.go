package compute

import "container/list"

// DefaultCacheSize is the number of distinct inputs the unit remembers.
const DefaultCacheSize = 10

// ResultCache is an LRU of calculation results keyed by StatsKey. It belongs
// to the unit's goroutine and is not safe for concurrent use.
type ResultCache struct {
	capacity int
	items    map[StatsKey]*list.Element
	lru      *list.List
}

type cacheEntry struct {
	key    StatsKey
	result StatsResult
}

// NewResultCache creates a cache holding up to capacity entries.
func NewResultCache(capacity int) *ResultCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &ResultCache{
		capacity: capacity,
		items:    make(map[StatsKey]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached result for key and marks it most recently used.
func (c *ResultCache) Get(key StatsKey) (StatsResult, bool) {
	elem, ok := c.items[key]
	if !ok {
		return StatsResult{}, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*cacheEntry).result, true
}

// Put stores result under key, evicting the least recently used entry when
// the cache is full.
func (c *ResultCache) Put(key StatsKey, result StatsResult) {
	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).result = result
		return
	}

	for c.lru.Len() >= c.capacity {
		c.evictOldest()
	}
	c.items[key] = c.lru.PushFront(&cacheEntry{key: key, result: result})
}

// Clear removes every entry and returns how many were dropped.
func (c *ResultCache) Clear() int {
	n := c.lru.Len()
	c.items = make(map[StatsKey]*list.Element)
	c.lru.Init()
	return n
}

// Resize changes the capacity, evicting the oldest entries if needed.
func (c *ResultCache) Resize(capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	c.capacity = capacity
	for c.lru.Len() > c.capacity {
		c.evictOldest()
	}
}

// Len returns the number of cached entries.
func (c *ResultCache) Len() int {
	return c.lru.Len()
}

// Cap returns the current capacity.
func (c *ResultCache) Cap() int {
	return c.capacity
}

func (c *ResultCache) evictOldest() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry).key)
}
