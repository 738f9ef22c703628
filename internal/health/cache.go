// Package health tracks downstream liveness. Probe results are cached for a
// short TTL so a failing dependency is not hammered with liveness checks
// before every request.
package health

import (
	"sync"
	"time"
)

// Record is the last observed up/down status for one service.
type Record struct {
	Service    string
	Healthy    bool
	ObservedAt time.Time
}

// Cache holds one Record per service. Entries go stale after the TTL and are
// deleted by Sweep once past the grace period. Writes are last-writer-wins;
// records are advisory and cheap to recompute.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	grace   time.Duration
	records map[string]Record
}

// NewCache creates a health cache with the given freshness TTL. Swept entries
// linger for one extra TTL beyond staleness before removal.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		grace:   ttl,
		records: make(map[string]Record),
	}
}

// Get returns the record for a service if one exists and is still fresh.
func (c *Cache) Get(service string, now time.Time) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[service]
	if !ok || now.Sub(rec.ObservedAt) >= c.ttl {
		return Record{}, false
	}
	return rec, true
}

// Set overwrites the record for a service with a fresh observation. Failures
// are stored too: a known-down service must not be re-probed within the TTL.
func (c *Cache) Set(service string, healthy bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[service] = Record{Service: service, Healthy: healthy, ObservedAt: now}
}

// Sweep removes records past the grace period and reports how many were
// evicted. Called from the background janitor, never from request handling.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for service, rec := range c.records {
		if now.Sub(rec.ObservedAt) >= c.ttl+c.grace {
			delete(c.records, service)
			evicted++
		}
	}
	return evicted
}
