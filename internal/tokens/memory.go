package tokens

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tokens in process memory. Every token is lost on restart,
// so it suits tests and single-node development only.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	byKey   map[string]map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		byKey:   make(map[string]map[string]struct{}),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	if rec.Lifetime() <= 0 {
		return ErrInvalidRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Token] = rec
	key := rec.Key()
	if s.byKey[key] == nil {
		s.byKey[key] = make(map[string]struct{})
	}
	s.byKey[key][rec.Token] = struct{}{}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) UpdateByKey(_ context.Context, key string, patch Patch, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0
	for token := range s.byKey[key] {
		rec, ok := s.records[token]
		if !ok || rec.Expired(now) {
			continue
		}
		rec.Descriptor = patch.Apply(rec.Descriptor)
		s.records[token] = rec
		updated++
	}
	return updated, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, rec := range s.records {
		if !rec.Expired(now) {
			continue
		}
		delete(s.records, token)
		key := rec.Key()
		delete(s.byKey[key], token)
		if len(s.byKey[key]) == 0 {
			delete(s.byKey, key)
		}
		removed++
	}
	return removed, nil
}
