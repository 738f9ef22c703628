// Package memory provides a bounded in-memory audit store, the default sink
// when no broker is configured.
package memory

import (
	"context"
	"sync"

	audit "itroad-gateway/pkg/platform/audit"
)

const defaultCapacity = 1024

// InMemoryStore keeps the most recent events in a ring. Oldest entries are
// dropped once capacity is reached; the gateway is not the system of record
// for audit data.
type InMemoryStore struct {
	mu       sync.Mutex
	events   []audit.Event
	capacity int
}

// NewInMemoryStore creates a store holding up to the default capacity.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{capacity: defaultCapacity}
}

// Append records one event.
func (s *InMemoryStore) Append(ctx context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	if len(s.events) > s.capacity {
		s.events = s.events[len(s.events)-s.capacity:]
	}
	return nil
}

// Recent returns up to n most recent events, newest last.
func (s *InMemoryStore) Recent(n int) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	out := make([]audit.Event, n)
	copy(out, s.events[len(s.events)-n:])
	return out
}
