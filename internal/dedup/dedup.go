// Package dedup is the sliding-window duplicate-suppression cache shared by
// parallel and cascade writes. Keys pair a normalized target with the
// sha256 of the raw content; the kernel deliberately does not normalize
// whitespace before hashing.
package dedup

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/ids"
)

// Cache is process-local and never persisted.
type Cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	clock      ids.Clock

	entries map[string]*list.Element
	order   *list.List // front = oldest
}

type entry struct {
	key       string
	firstSeen time.Duration // monotonic
}

// New builds a cache with the given window. maxEntries <= 0 defaults to 1024;
// ttl <= 0 defaults to 5 minutes.
func New(maxEntries int, ttl time.Duration, clock ids.Clock) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Key builds the cache key for a (target, content) pair.
func Key(targetKey string, content []byte) string {
	sum := sha256.Sum256(content)
	return targetKey + "\x00" + hex.EncodeToString(sum[:])
}

// ShouldSuppress reports whether the key was seen within the window. Either
// way the key's timestamp is refreshed, so repeated sends keep extending the
// window. Past capacity the oldest entry is evicted.
func (c *Cache) ShouldSuppress(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.NowMono()
	c.purgeLocked(now)

	if el, ok := c.entries[key]; ok {
		el.Value.(*entry).firstSeen = now
		c.order.MoveToBack(el)
		return true
	}

	for c.order.Len() >= c.maxEntries {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, firstSeen: now})
	return false
}

// purgeLocked drops entries older than the TTL. Caller holds c.mu.
func (c *Cache) purgeLocked(now time.Duration) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*entry)
		if now-e.firstSeen < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, e.key)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.clock.NowMono())
	return c.order.Len()
}

// Resize applies new window parameters, used by config hot reload. Existing
// entries are kept; the next ShouldSuppress applies the new bounds.
func (c *Cache) Resize(maxEntries int, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxEntries > 0 {
		c.maxEntries = maxEntries
	}
	if ttl > 0 {
		c.ttl = ttl
	}
}
