// Package lru implements a generic, thread-safe LRU bounded by a cost budget
// rather than an entry count. The memory key-value store uses it to emulate a
// browser-style storage quota.
//
// Get, Put, Delete are O(1) plus the number of evictions a Put triggers.
package lru

import (
	"errors"
	"sync"
)

var (
	// ErrTooLarge is returned when a single entry costs more than the budget.
	ErrTooLarge = errors.New("lru: entry exceeds budget")
	// ErrFull is returned by a non-evicting cache that has no room left.
	ErrFull = errors.New("lru: budget exhausted")
)

// CostFunc reports the budget consumed by one entry.
type CostFunc[K comparable, V any] func(key K, val V) int64

type node[K comparable, V any] struct {
	key  K
	val  V
	cost int64
	prev *node[K, V]
	next *node[K, V]
}

// Options configures a Cache.
type Options[K comparable, V any] struct {
	// Budget is the total cost allowed. Must be >= 1.
	Budget int64
	// Cost defaults to 1 per entry, which turns Budget into a capacity.
	Cost CostFunc[K, V]
	// Evict lets Put drop least recently used entries to make room. When
	// false, Put fails with ErrFull instead.
	Evict bool
	// OnEvict is called (under the cache lock) for each evicted entry.
	OnEvict func(key K, val V)
}

// Cache is a cost-bounded LRU cache.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	opts  Options[K, V]
	used  int64
	items map[K]*node[K, V]
	head  *node[K, V] // sentinel, most recent side
	tail  *node[K, V] // sentinel, least recent side
}

// New creates a cache. Panics if the budget is < 1.
func New[K comparable, V any](opts Options[K, V]) *Cache[K, V] {
	if opts.Budget < 1 {
		panic("lru: budget must be >= 1")
	}
	if opts.Cost == nil {
		opts.Cost = func(K, V) int64 { return 1 }
	}
	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head
	return &Cache[K, V]{
		opts:  opts,
		items: make(map[K]*node[K, V]),
		head:  head,
		tail:  tail,
	}
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.unlink(n)
	c.pushFront(n)
	return n.val, true
}

// Peek returns the value for key without touching recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return n.val, true
}

// Put inserts or replaces key. It returns the keys evicted to make room.
func (c *Cache[K, V]) Put(key K, val V) ([]K, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cost := c.opts.Cost(key, val)
	if cost > c.opts.Budget {
		return nil, ErrTooLarge
	}

	// The replaced entry's cost is released before checking for room.
	var freed int64
	existing, replacing := c.items[key]
	if replacing {
		freed = existing.cost
	}

	if !c.opts.Evict && c.used-freed+cost > c.opts.Budget {
		return nil, ErrFull
	}

	if replacing {
		c.unlink(existing)
		delete(c.items, key)
		c.used -= existing.cost
	}

	var evicted []K
	for c.used+cost > c.opts.Budget {
		victim := c.tail.prev
		c.unlink(victim)
		delete(c.items, victim.key)
		c.used -= victim.cost
		evicted = append(evicted, victim.key)
		if c.opts.OnEvict != nil {
			c.opts.OnEvict(victim.key, victim.val)
		}
	}

	n := &node[K, V]{key: key, val: val, cost: cost}
	c.items[key] = n
	c.pushFront(n)
	c.used += cost
	return evicted, nil
}

// Delete removes key. Returns true if it existed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}
	c.unlink(n)
	delete(c.items, key)
	c.used -= n.cost
	return true
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Used returns the consumed budget.
func (c *Cache[K, V]) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Keys returns keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		keys = append(keys, cur.key)
	}
	return keys
}

// Clear drops every entry without calling OnEvict.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.head.next = c.tail
	c.tail.prev = c.head
	c.items = make(map[K]*node[K, V])
	c.used = 0
}

// caller must hold c.mu
func (c *Cache[K, V]) unlink(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

// caller must hold c.mu
func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}
