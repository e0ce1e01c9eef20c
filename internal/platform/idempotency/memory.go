package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Used by the memory backend and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, id, fingerprint string, now time.Time, ttl time.Duration) (State, Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[id]; ok && !existing.expired(now) {
		state, err := classify(existing, fingerprint)
		return state, existing, err
	}
	rec := newPending(id, fingerprint, now, ttl)
	s.records[id] = rec
	return StateNew, rec, nil
}

func (s *MemoryStore) Complete(_ context.Context, id, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		rec = newPending(id, fingerprint, now, ttl)
	}
	if rec.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.records[id] = complete(rec, resp, now, ttl)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// Purge removes up to limit expired records, oldest expiry first.
func (s *MemoryStore) Purge(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Record
	for _, rec := range s.records {
		if rec.expired(now) {
			expired = append(expired, rec)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(s.records, rec.ID)
	}
	return len(expired), nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
