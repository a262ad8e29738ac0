// Package dedup suppresses re-delivered webhook events.
//
// Platforms deliver at least once, so every adapter checks the event id
// here before doing any work. Entries expire lazily on lookup; there is
// no sweeper goroutine. The LRU bound keeps memory flat when ids never
// repeat.
package dedup

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultTTL matches the platform retry horizon (7.1 hours).
	DefaultTTL  = 25560 * time.Second
	DefaultSize = 4096
)

// Cache records when an id was first seen.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, time.Time]
	ttl time.Duration
	now func() time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock injects a time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds a cache. Non-positive ttl or size fall back to the defaults.
func New(ttl time.Duration, size int, opts ...Option) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if size <= 0 {
		size = DefaultSize
	}
	l, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	c := &Cache{lru: l, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Seen reports whether id was marked within the TTL window.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenLocked(id, c.now())
}

// Mark records id as processed now.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(id, c.now())
}

// SeenOrMark atomically checks and marks id. It returns true when id is
// a duplicate; exactly one of several concurrent callers gets false.
// Empty ids are never treated as duplicates.
func (c *Cache) SeenOrMark(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.seenLocked(id, now) {
		return true
	}
	c.lru.Add(id, now)
	return false
}

// Len returns the number of tracked ids, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) seenLocked(id string, now time.Time) bool {
	ts, ok := c.lru.Get(id)
	if !ok {
		return false
	}
	if now.Sub(ts) < c.ttl {
		return true
	}
	c.lru.Remove(id)
	return false
}
