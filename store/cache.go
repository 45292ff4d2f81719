// Package store provides the TTL cache the protocol keeps its account state in.
package store

import (
	"sync"
	"time"

	"github.com/vitwit/sio/types"
)

// Cache is a key/value cache with per-entry time-to-live.
type Cache interface {
	// Get returns the value stored under key, or false if absent or expired.
	Get(key string) ([]byte, bool)
	// Set stores value under key until ttl elapses.
	Set(key string, value []byte, ttl time.Duration)
	// SetIfAbsent stores value only if no live entry exists under key.
	SetIfAbsent(key string, value []byte, ttl time.Duration) bool
	Delete(key string)
	// Len counts live entries.
	Len() int
}

type entry struct {
	value  []byte
	expiry time.Time
}

// MemoryCache is an in-process Cache. An entry read at or after its expiry
// instant is absent.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     types.Clock
	writes  int
}

var _ Cache = (*MemoryCache)(nil)

// cleanupEvery bounds how many writes happen between sweeps of expired entries.
const cleanupEvery = 256

// NewMemoryCache creates an empty cache. A nil clock means time.Now.
func NewMemoryCache(now types.Clock) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		entries: make(map[string]entry),
		now:     now,
	}
}

func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveLocked(key)
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{value: value, expiry: c.now().Add(ttl)}
	c.afterWriteLocked()
}

func (c *MemoryCache) SetIfAbsent(key string, value []byte, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.liveLocked(key); ok {
		return false
	}
	c.entries[key] = entry{value: value, expiry: c.now().Add(ttl)}
	c.afterWriteLocked()
	return true
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupExpiredLocked()
	return len(c.entries)
}

// liveLocked returns the entry for key, dropping it if expired. Must be
// called with lock held.
func (c *MemoryCache) liveLocked(key string) (entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return entry{}, false
	}
	if !c.now().Before(e.expiry) {
		delete(c.entries, key)
		return entry{}, false
	}
	return e, true
}

func (c *MemoryCache) afterWriteLocked() {
	c.writes++
	if c.writes%cleanupEvery == 0 {
		c.cleanupExpiredLocked()
	}
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *MemoryCache) cleanupExpiredLocked() {
	now := c.now()
	for key, e := range c.entries {
		if !now.Before(e.expiry) {
			delete(c.entries, key)
		}
	}
}
