package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"itroad-gateway/pkg/requestcontext"
)

const memoryShards = 16

// window is one fixed counting window, anchored at the first request.
type window struct {
	start time.Time
	count int
}

type memoryShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryStore is the in-process window store. Keys are partitioned across
// shards so concurrent callers on different keys never contend on one lock.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
}

// NewMemoryStore builds an empty in-process window store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{windows: make(map[string]*window)}
	}
	return s
}

// Allow counts one request against key. An expired or absent window restarts
// at count 1; otherwise the counter increments and the verdict compares it to
// the ceiling.
func (s *MemoryStore) Allow(ctx context.Context, key string, limit int, windowSize time.Duration) (Result, error) {
	now := requestcontext.Now(ctx)
	shard := s.shard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	w := shard.windows[key]
	if w == nil || !now.Before(w.start.Add(windowSize)) {
		w = &window{start: now, count: 0}
		shard.windows[key] = w
	}
	w.count++

	resetAt := w.start.Add(windowSize)
	result := Result{
		Allowed:   w.count <= limit,
		Limit:     limit,
		Remaining: max(0, limit-w.count),
		ResetAt:   resetAt,
	}
	if !result.Allowed {
		result.RetryAfter = retryAfterSeconds(resetAt, now)
	}
	return result, nil
}

// Sweep drops windows whose reset already passed and returns the count
// evicted. Locks are per shard, so a sweep never stalls all traffic at once.
func (s *MemoryStore) Sweep(now time.Time, windowSize time.Duration) int {
	evicted := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, w := range shard.windows {
			if !now.Before(w.start.Add(windowSize)) {
				delete(shard.windows, key)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}
