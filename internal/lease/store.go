// Package lease ensures at most one tab instance drives an attempt's
// mutations at a time. It is a cooperative heartbeat lease over shared
// storage, not a distributed lock: it defends against a forgotten second
// tab of the same user, not a hostile process.
package lease

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-client/internal/model"
)

// Store is the shared medium visible to every tab of one attempt.
// Access is optimistic read-then-write; implementations do not lock.
type Store interface {
	// Get returns the lease record for the attempt, or nil when absent.
	Get(ctx context.Context, attemptID uuid.UUID) (*model.TabLease, error)
	Put(ctx context.Context, attemptID uuid.UUID, lease model.TabLease) error
	Delete(ctx context.Context, attemptID uuid.UUID) error
}

// MemoryStore keeps leases in process memory. Used by single-instance
// hosts and tests, where "tabs" are goroutines sharing one store.
type MemoryStore struct {
	mu sync.Mutex
	m  map[uuid.UUID]model.TabLease
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[uuid.UUID]model.TabLease)}
}

func (s *MemoryStore) Get(ctx context.Context, attemptID uuid.UUID) (*model.TabLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.m[attemptID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *MemoryStore) Put(ctx context.Context, attemptID uuid.UUID, lease model.TabLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[attemptID] = lease
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, attemptID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, attemptID)
	return nil
}
