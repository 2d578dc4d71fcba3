package scoring

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	scores map[string]*RiskScore
}

// NewMemoryStore creates an in-memory score store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[string]*RiskScore)}
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, sc *RiskScore) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scores[sc.TransactionID]; ok {
		return false, nil
	}
	cp := *sc
	cp.Reasons = append([]string(nil), sc.Reasons...)
	s.scores[sc.TransactionID] = &cp
	return true, nil
}

func (s *MemoryStore) GetByTransaction(_ context.Context, transactionID string) (*RiskScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scores[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sc
	return &cp, nil
}

func (s *MemoryStore) ListBySubject(_ context.Context, subjectID string, limit int) ([]*RiskScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RiskScore
	for _, sc := range s.scores {
		if sc.SubjectID != subjectID {
			continue
		}
		cp := *sc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScoredAt.Equal(out[j].ScoredAt) {
			return out[i].ScoredAt.After(out[j].ScoredAt)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
