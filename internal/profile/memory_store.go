package profile

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryStore creates an in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (s *MemoryStore) Get(_ context.Context, subjectID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := p.Clone()
	cp.UpdatedAt = time.Now()
	s.profiles[p.SubjectID] = cp
	return nil
}

func (s *MemoryStore) ListStale(_ context.Context, batchSize int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []string
	for id, p := range s.profiles {
		if p.NewSinceTrain >= batchSize {
			stale = append(stale, id)
		}
	}
	return stale, nil
}
