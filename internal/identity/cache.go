package identity

import (
	"hash/fnv"
	"sync"
	"time"
)

const cacheShards = 16

// Cache holds resolved identities keyed by subject ID, with a TTL shorter
// than token expiry. Sharded by key so concurrent requests for different
// subjects never contend on one lock.
type Cache struct {
	ttl    time.Duration
	grace  time.Duration
	shards [cacheShards]*cacheShard
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]record
}

// NewCache creates an identity cache with the given freshness TTL. Swept
// entries linger for one extra TTL beyond staleness before removal.
func NewCache(ttl time.Duration) *Cache {
	c := &Cache{ttl: ttl, grace: ttl}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[string]record)}
	}
	return c
}

func (c *Cache) shardFor(subjectID string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	return c.shards[h.Sum32()%cacheShards]
}

// Get returns the cached identity for a subject if present and fresh.
// Freshness here is independent of token expiry: the guard verifies the
// token before ever consulting the cache.
func (c *Cache) Get(subjectID string, now time.Time) (Identity, bool) {
	shard := c.shardFor(subjectID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	rec, ok := shard.entries[subjectID]
	if !ok || now.Sub(rec.cachedAt) >= c.ttl {
		return Identity{}, false
	}
	return rec.identity, true
}

// Set stores a freshly resolved identity. Last-writer-wins; entries are
// recomputable from the authority at any time.
func (c *Cache) Set(identity Identity, now time.Time) {
	shard := c.shardFor(identity.SubjectID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.entries[identity.SubjectID] = record{identity: identity, cachedAt: now}
}

// Delete removes a subject's entry.
func (c *Cache) Delete(subjectID string) {
	shard := c.shardFor(subjectID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.entries, subjectID)
}

// Sweep removes entries past the grace period, shard by shard, so no single
// lock is held across the whole map while requests are in flight.
func (c *Cache) Sweep(now time.Time) int {
	evicted := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for subjectID, rec := range shard.entries {
			if now.Sub(rec.cachedAt) >= c.ttl+c.grace {
				delete(shard.entries, subjectID)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}
