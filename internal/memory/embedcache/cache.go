// Package embedcache is a bounded, TTL-gated content-hash -> embedding
// cache sitting in front of the embedding provider, so repeated ingestion
// of identical content never re-embeds.
package embedcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/jcbbge/anima/internal/memory/ports"
)

type entry struct {
	hash      string
	vector    []float32
	expiresAt time.Time
	elem      *list.Element
}

// Cache is a capacity-bounded, insertion-order-evicted map from content
// hash to embedding vector. Entries also expire after ttl regardless of
// capacity pressure.
type Cache struct {
	clock    ports.Clock
	capacity int
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = oldest

	hits   int64
	misses int64
}

// New builds a Cache with the given capacity and TTL. A zero or negative
// capacity disables eviction-by-size (TTL still applies); a zero TTL
// disables expiry (size eviction still applies).
func New(clock ports.Clock, capacity int, ttl time.Duration) *Cache {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Cache{
		clock:    clock,
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*entry),
		order:    list.New(),
	}
}

// Get returns the cached vector for hash, if present and unexpired.
func (c *Cache) Get(hash string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[hash]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.ttl > 0 && c.clock.Now().After(e.expiresAt) {
		c.removeLocked(e)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.vector, true
}

// Put inserts or refreshes the cached vector for hash.
func (c *Cache) Put(hash string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[hash]; ok {
		existing.vector = vector
		existing.expiresAt = c.expiry()
		c.order.MoveToBack(existing.elem)
		return
	}

	e := &entry{hash: hash, vector: vector, expiresAt: c.expiry()}
	e.elem = c.order.PushBack(e)
	c.entries[hash] = e

	if c.capacity > 0 {
		for len(c.entries) > c.capacity {
			front := c.order.Front()
			if front == nil {
				break
			}
			c.removeLocked(front.Value.(*entry))
		}
	}
}

func (c *Cache) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.clock.Now().Add(c.ttl)
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.hash)
	c.order.Remove(e.elem)
}

// Stats describes cache occupancy and hit rate since construction.
type Stats struct {
	Size   int
	Hits   int64
	Misses int64
}

// Stats snapshots the cache's current size and cumulative hit/miss counts.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
}
