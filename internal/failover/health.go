package failover

import (
	"context"
	"sync"
	"time"
)

// Health is the derived, non-persisted health snapshot for one integration.
// It is rebuilt from zero on process restart.
type Health struct {
	Errors      int
	FailedSince *time.Time
}

// HealthStore tracks consecutive error counts and breaker trip timestamps per
// integration id. Implementations must be safe for concurrent use from any
// request-handling context.
type HealthStore interface {
	// RecordError increments the consecutive error count and returns it.
	RecordError(ctx context.Context, integrationID int64) (int, error)
	// RecordSuccess resets the error count and closes any open breaker.
	RecordSuccess(ctx context.Context, integrationID int64) error
	Status(ctx context.Context, integrationID int64) (Health, error)
	// Trip opens the breaker by recording the failed-since timestamp.
	Trip(ctx context.Context, integrationID int64, at time.Time) error
	// Clear wipes the error count and trip timestamp (cooldown elapsed).
	Clear(ctx context.Context, integrationID int64) error
}

// MemoryHealthStore is the single-process implementation: an RWMutex-guarded
// map. It does not coordinate across instances; deployments running more than
// one replica should use the Redis store behind the same interface.
type MemoryHealthStore struct {
	mu      sync.RWMutex
	entries map[int64]Health
}

var _ HealthStore = (*MemoryHealthStore)(nil)

// NewMemoryHealthStore constructs an empty in-memory health tracker.
func NewMemoryHealthStore() *MemoryHealthStore {
	return &MemoryHealthStore{entries: make(map[int64]Health)}
}

func (s *MemoryHealthStore) RecordError(ctx context.Context, integrationID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[integrationID]
	entry.Errors++
	s.entries[integrationID] = entry
	return entry.Errors, nil
}

func (s *MemoryHealthStore) RecordSuccess(ctx context.Context, integrationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, integrationID)
	return nil
}

func (s *MemoryHealthStore) Status(ctx context.Context, integrationID int64) (Health, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[integrationID], nil
}

func (s *MemoryHealthStore) Trip(ctx context.Context, integrationID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[integrationID]
	entry.FailedSince = &at
	s.entries[integrationID] = entry
	return nil
}

func (s *MemoryHealthStore) Clear(ctx context.Context, integrationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, integrationID)
	return nil
}
