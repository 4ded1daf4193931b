package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultCapacity = 128

// MemoryCache is the in-process fallback for project listings when Redis is
// not configured. Entries expire after ttl and the least recently read
// project is dropped once capacity is reached.
type MemoryCache[T any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	byKey    map[string]*list.Element
	order    *list.List // front is most recently used
	stats    Stats
}

// Stats counts lookups since the cache was created.
type Stats struct {
	Hits      int
	Misses    int
	Evictions int
	Expired   int
}

type entry[T any] struct {
	key     string
	value   T
	expires time.Time
}

// NewMemoryCache returns a cache holding up to capacity projects. A
// non-positive capacity selects the default of 128; a non-positive ttl
// keeps entries until evicted or deleted.
func NewMemoryCache[T any](capacity int, ttl time.Duration) *MemoryCache[T] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryCache[T]{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		byKey:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *MemoryCache[T]) expired(e *entry[T], now time.Time) bool {
	return c.ttl > 0 && !now.Before(e.expires)
}

func (c *MemoryCache[T]) Get(_ context.Context, key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	el, ok := c.byKey[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	e := el.Value.(*entry[T])
	if c.expired(e, c.now()) {
		c.drop(el)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	return e.value, true
}

func (c *MemoryCache[T]) Set(_ context.Context, key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry[T]{key: key, value: value, expires: c.now().Add(c.ttl)}
	if el, ok := c.byKey[key]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}
	c.byKey[key] = c.order.PushFront(e)
	for c.order.Len() > c.capacity {
		c.drop(c.order.Back())
		c.stats.Evictions++
	}
}

func (c *MemoryCache[T]) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byKey[key]; ok {
		c.drop(el)
	}
}

func (c *MemoryCache[T]) drop(el *list.Element) {
	delete(c.byKey, el.Value.(*entry[T]).key)
	c.order.Remove(el)
}

// CleanExpired drops expired entries and reports how many were removed.
func (c *MemoryCache[T]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry[T]), now) {
			c.drop(el)
			n++
		}
		el = prev
	}
	c.stats.Expired += n
	return n
}

func (c *MemoryCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

func (c *MemoryCache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
