// ABOUTME: Thread-safe TTL registry of idempotency keys for turn submissions
// ABOUTME: Maps each claimed key to the conversation it started so retries can be recognised

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	value     string
	claimedAt time.Time
	element   *list.Element
}

// Cache is a TTL and size bounded set of claimed keys. Each key carries the
// value it was claimed with. Insertion order is kept in a list so the oldest
// key is evicted in O(1) when the cache is full.
type Cache struct {
	mu      sync.Mutex
	keys    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache whose claims expire after ttl. A background goroutine
// sweeps expired keys every sweep interval (one minute when zero).
func New(ttl time.Duration, maxSize int) *Cache {
	return newCache(ttl, maxSize, time.Minute)
}

func newCache(ttl time.Duration, maxSize int, sweep time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	c := &Cache{
		keys:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(sweep)
	return c
}

func (c *Cache) live(e *entry) bool {
	return c.now().Sub(e.claimedAt) < c.ttl
}

// Claim records key with value unless an unexpired claim exists. It returns
// the existing value and true for a duplicate, or "" and false for a new claim.
func (c *Cache) Claim(key, value string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.keys[key]; ok {
		if c.live(e) {
			return e.value, true
		}
		c.removeLocked(key, e)
	}

	if len(c.keys) >= c.maxSize {
		c.evictOldest()
	}
	c.keys[key] = &entry{
		value:     value,
		claimedAt: c.now(),
		element:   c.order.PushBack(key),
	}
	return "", false
}

// Lookup returns the value of an unexpired claim
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.keys[key]
	if !ok || !c.live(e) {
		return "", false
	}
	return e.value, true
}

// Release forgets key so it can be claimed again
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.keys[key]; ok {
		c.removeLocked(key, e)
	}
}

// Len returns the number of stored claims, expired or not
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

func (c *Cache) removeLocked(key string, e *entry) {
	c.order.Remove(e.element)
	delete(c.keys, key)
}

// evictOldest must be called with mu held
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.keys, key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired claims. Claims are ordered by age, so it stops at the
// first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		e := c.keys[key]
		if e != nil && c.live(e) {
			return
		}
		c.order.Remove(front)
		delete(c.keys, key)
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
