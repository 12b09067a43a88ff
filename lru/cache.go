// Package lru provides a small generic LRU cache. The engine uses it to
// memoize derived-metric computations, which is safe because a computation
// is a pure function of (kind, version, input digest).
package lru

import "sync"

// entry is a doubly linked list node holding one key-value pair.
type entry[K comparable, V any] struct {
	key  K
	val  V
	prev *entry[K, V]
	next *entry[K, V]
}

// Cache is a thread-safe fixed-capacity LRU cache. All operations are O(1).
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*entry[K, V]
	head     *entry[K, V] // sentinel, most recently used side
	tail     *entry[K, V] // sentinel, least recently used side
}

// New creates a cache with the given capacity. Panics if capacity < 1.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}
	head := &entry[K, V]{}
	tail := &entry[K, V]{}
	head.next = tail
	tail.prev = head
	return &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*entry[K, V], capacity),
		head:     head,
		tail:     tail,
	}
}

// Get returns the value for key and promotes it to most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.promote(e)
	return e.val, true
}

// Peek returns the value for key without changing its recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Put inserts or updates a pair, evicting the least recently used entry at
// capacity. Reports the evicted key, if any.
func (c *Cache[K, V]) Put(key K, val V) (K, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.val = val
		c.promote(e)
		var zero K
		return zero, false
	}

	var evictedKey K
	evicted := false
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.unlink(victim)
		delete(c.items, victim.key)
		evictedKey = victim.key
		evicted = true
	}

	e := &entry[K, V]{key: key, val: val}
	c.items[key] = e
	c.pushFront(e)
	return evictedKey, evicted
}

// Delete removes key. Reports whether it existed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return false
	}
	c.unlink(e)
	delete(c.items, key)
	return true
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// unlink detaches e from the list. Callers hold c.mu.
func (c *Cache[K, V]) unlink(e *entry[K, V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}

// pushFront inserts e right after the head sentinel. Callers hold c.mu.
func (c *Cache[K, V]) pushFront(e *entry[K, V]) {
	e.next = c.head.next
	e.prev = c.head
	c.head.next.prev = e
	c.head.next = e
}

// promote moves e to the most recently used position. Callers hold c.mu.
func (c *Cache[K, V]) promote(e *entry[K, V]) {
	c.unlink(e)
	c.pushFront(e)
}
