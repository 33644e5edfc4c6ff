// ABOUTME: Thread-safe TTL cache for screening duplicate result and status frames.
// ABOUTME: The router uses it so retransmitted worker frames are acknowledged, not reprocessed.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry tracks when a key was last seen and where it sits in the
// insertion-order list.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-bounded set of recently seen
// frame keys. Reconnecting workers retransmit terminal results; the
// cache lets the router acknowledge those without re-running completion
// side effects. Insertion order is kept in a doubly-linked list so
// eviction at capacity is O(1).
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*entry
	order   *list.List // oldest key at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum entry count. A
// background goroutine reaps expired entries once a minute.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.reapLoop()
	return c
}

// ResultKey builds the screening key for a task result frame. Results
// are deduplicated per task and worker so a reassigned task's result
// from a different worker is not swallowed.
func ResultKey(taskID, workerID string) string {
	return "result:" + taskID + ":" + workerID
}

// Seen reports whether the key was marked within the TTL window.
func (c *Cache) Seen(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.seen[key]
	if !ok {
		return false
	}
	return time.Since(e.seenAt) < c.ttl
}

// SeenOrMark atomically checks the key and marks it when new. Returns
// true for a duplicate, false when the key is new and now recorded.
// The single lock avoids the check-then-mark race of separate calls.
func (c *Cache) SeenOrMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	if ok && time.Since(e.seenAt) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// Mark records the key as seen, evicting the oldest entry at capacity.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

func (c *Cache) markLocked(key string) {
	now := time.Now()

	if e, exists := c.seen[key]; exists {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &entry{seenAt: now, element: elem}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reapExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) reapExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.seen {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Len returns the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// Close stops the reaper goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
