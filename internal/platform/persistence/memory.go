package persistence

import (
	"context"
	"sync"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// MemoryEventStore is the in-process EventStore used in local runs and
// tests. First write wins, matching the Firestore implementation's
// create-if-absent semantics.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]delivery.Event
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]delivery.Event)}
}

// StoreEvent records the event unless its ID was already stored.
func (s *MemoryEventStore) StoreEvent(_ context.Context, ev delivery.Event, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return nil
	}
	s.events[ev.ID] = ev
	return nil
}

// Get returns a stored event by ID, for test assertions.
func (s *MemoryEventStore) Get(id string) (delivery.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	return ev, ok
}
