// Package cache provides the in-process TTL tier of the layered sample and
// run caches. Durability comes from the sqlite store underneath; this tier
// exists to keep hot keys off the database.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     []byte
	createdAt time.Time
}

// Memory is a TTL-bounded, size-limited in-memory byte cache. Eviction is
// coarse: when over capacity the oldest entry goes first.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMemory creates a cache expiring entries after ttl and holding at most
// maxEntries. A background goroutine prunes expired entries.
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	c := &Memory{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns the cached value if present and unexpired.
func (c *Memory) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.createdAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores a value, evicting the oldest entry when at capacity.
func (c *Memory) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = &entry{value: value, createdAt: time.Now()}
}

// Len returns the current entry count.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop terminates the background cleanup goroutine.
func (c *Memory) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Memory) cleanupLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-c.stop:
			return
		}
	}
}

func (c *Memory) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// evictOldest removes the entry with the earliest createdAt. Caller must
// hold c.mu.
func (c *Memory) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.createdAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.createdAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
