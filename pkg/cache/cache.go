package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"streamhub/pkg/utils"
)

type item[V any] struct {
	value     V
	expiresAt time.Time // zero means no expiry
}

func (it item[V]) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// Cache is a thread-safe in-memory map with per-entry TTL. Expired entries
// are invisible immediately and removed by Purge.
type Cache[V any] struct {
	mu    sync.RWMutex
	items map[string]item[V]
	clock utils.Clock
}

func New[V any](clock utils.Clock) *Cache[V] {
	return &Cache[V]{
		items: make(map[string]item[V]),
		clock: utils.OrSystem(clock),
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok || it.expired(c.clock.Now()) {
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores value under key. A ttl <= 0 keeps it until deleted.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	it := item[V]{value: value}
	if ttl > 0 {
		it.expiresAt = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = it
	c.mu.Unlock()
}

// TTL returns the time left for key, zero for entries without expiry.
func (c *Cache[V]) TTL(key string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.clock.Now()
	it, ok := c.items[key]
	if !ok || it.expired(now) {
		return 0, false
	}
	if it.expiresAt.IsZero() {
		return 0, true
	}
	return it.expiresAt.Sub(now), true
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// DeletePrefix removes every key starting with prefix.
func (c *Cache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
			n++
		}
	}
	return n
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	n := 0
	for key, it := range c.items {
		if it.expired(now) {
			delete(c.items, key)
			n++
		}
	}
	return n
}

// Len counts live entries.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.clock.Now()
	n := 0
	for _, it := range c.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
}

// Run purges every interval until ctx is done.
func (c *Cache[V]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Purge()
		}
	}
}
