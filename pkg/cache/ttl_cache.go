// Package cache provides a generic in-memory TTL cache.
//
// The call core keeps ended sessions here for the grace period, so that
// late messages for them are recognised as stale instead of unknown. The relay
// uses it the same way for sessions it has already closed.
//
// Expired entries are invisible to Get immediately; they are physically
// removed by Sweep, which Set runs every sweepEvery writes.
package cache

import (
	"sync"
	"time"

	"github.com/akinalp/carecall/pkg/clock"
)

const sweepEvery = 64

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is safe for concurrent use.
type TTLCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	ttl     time.Duration
	clock   clock.Clock
	writes  int
}

// New returns a cache whose entries live for ttl. A nil clk uses the real clock.
func New[K comparable, V any](ttl time.Duration, clk clock.Clock) *TTLCache[K, V] {
	if clk == nil {
		clk = clock.Real()
	}
	return &TTLCache[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     ttl,
		clock:   clk,
	}
}

// Get returns the value for key if it is present and not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, restarting its TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}

	c.writes++
	if c.writes%sweepEvery == 0 {
		c.sweepLocked(now)
	}
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeleteFunc removes every key for which predicate returns true.
func (c *TTLCache[K, V]) DeleteFunc(predicate func(key K, value V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if predicate(key, e.value) {
			delete(c.entries, key)
		}
	}
}

// Len counts live entries only.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.clock.Now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Sweep removes expired entries and returns how many were removed.
func (c *TTLCache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.clock.Now())
}

func (c *TTLCache[K, V]) sweepLocked(now time.Time) int {
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
