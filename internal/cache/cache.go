// Package cache implements the in-process block cache that shields queries
// from repeated object-store round trips. Entries are decoded section
// blocks keyed by (segment, section, block); the cache is a pure projection
// of immutable segment data, so eviction can never affect correctness.
package cache

import (
	"container/list"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cumulodb/cumulo/internal/resource"
)

// Key addresses one decoded block of one segment section.
type Key struct {
	Segment uint64
	Section uint8
	Block   uint32
}

// flightKey is the singleflight grouping key.
func (k Key) flightKey() string {
	return strconv.FormatUint(k.Segment, 36) + "/" +
		strconv.FormatUint(uint64(k.Section), 10) + "/" +
		strconv.FormatUint(uint64(k.Block), 36)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Bytes     int64
	Entries   int
}

type entry struct {
	key  Key
	data []byte
}

// BlockCache is an LRU cache over decoded blocks, bounded by bytes. Memory
// is accounted against the governor so memtables and cache share one
// budget.
type BlockCache struct {
	mu      sync.Mutex
	cap     int64
	used    int64
	ll      *list.List // front = most recently used
	entries map[Key]*list.Element
	gov     *resource.Governor

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a block cache bounded to capacity bytes. A nil governor
// disables shared memory accounting.
func New(capacity int64, gov *resource.Governor) *BlockCache {
	return &BlockCache{
		cap:     capacity,
		ll:      list.New(),
		entries: make(map[Key]*list.Element),
		gov:     gov,
	}
}

// Get returns the cached block and marks it recently used. The returned
// slice is shared and must not be modified.
func (c *BlockCache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits.Add(1)
	return el.Value.(*entry).data, true
}

// Set inserts a block, evicting least recently used entries to make room.
// Blocks larger than the capacity, or that cannot fit into the shared
// memory budget even after eviction, are silently not cached.
func (c *BlockCache) Set(key Key, data []byte) {
	size := int64(len(data))
	if size == 0 || size > c.cap {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		// Same immutable block; refresh recency only.
		c.ll.MoveToFront(el)
		return
	}

	for c.used+size > c.cap {
		if !c.evictOldest() {
			return
		}
	}
	for c.gov.AcquireMemory(size) != nil {
		if !c.evictOldest() {
			return
		}
	}

	el := c.ll.PushFront(&entry{key: key, data: data})
	c.entries[key] = el
	c.used += size
}

// evictOldest removes the LRU entry. Caller holds the lock.
func (c *BlockCache) evictOldest() bool {
	el := c.ll.Back()
	if el == nil {
		return false
	}
	c.remove(el)
	c.evictions.Add(1)
	return true
}

// remove unlinks an element and releases its memory. Caller holds the lock.
func (c *BlockCache) remove(el *list.Element) {
	ent := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.entries, ent.key)
	c.used -= int64(len(ent.data))
	c.gov.ReleaseMemory(int64(len(ent.data)))
}

// InvalidateSegment drops every cached block of the given segment.
func (c *BlockCache) InvalidateSegment(segment uint64) {
	c.Invalidate(func(k Key) bool { return k.Segment == segment })
}

// Invalidate drops all entries whose key matches the predicate.
func (c *BlockCache) Invalidate(pred func(Key) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for el := c.ll.Front(); el != nil; el = next {
		next = el.Next()
		if pred(el.Value.(*entry).key) {
			c.remove(el)
		}
	}
}

// EvictAll empties the cache.
func (c *BlockCache) EvictAll() {
	c.Invalidate(func(Key) bool { return true })
}

// Stats returns a snapshot of the cache counters.
func (c *BlockCache) Stats() Stats {
	c.mu.Lock()
	bytes := c.used
	entries := len(c.entries)
	c.mu.Unlock()

	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Bytes:     bytes,
		Entries:   entries,
	}
}
