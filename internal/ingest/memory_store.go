package ingest

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*TransactionRecord
	bySubject map[string][]*TransactionRecord
}

// NewMemoryStore creates an in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*TransactionRecord),
		bySubject: make(map[string][]*TransactionRecord),
	}
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, tx *TransactionRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[tx.ID]; ok {
		return false, nil
	}
	cp := *tx
	s.byID[cp.ID] = &cp
	s.bySubject[cp.SubjectID] = append(s.bySubject[cp.SubjectID], &cp)
	return true, nil
}

func (s *MemoryStore) ListBySubject(_ context.Context, subjectID string) ([]TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.bySubject[subjectID]
	result := make([]TransactionRecord, len(records))
	for i, r := range records {
		result[i] = *r
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *MemoryStore) CountBySubject(_ context.Context, subjectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySubject[subjectID]), nil
}
