package alerts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*Alert // by alert ID
	byTxn  map[string]string // transaction ID -> alert ID
}

// NewMemoryStore creates an in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]*Alert),
		byTxn:  make(map[string]string),
	}
}

func cloneAlert(a *Alert) *Alert {
	cp := *a
	cp.Reasons = append([]string(nil), a.Reasons...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, a *Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byTxn[a.TransactionID]; ok {
		return false, nil
	}
	cp := cloneAlert(a)
	s.alerts[a.ID] = cp
	s.byTxn[a.TransactionID] = a.ID
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAlert(a), nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Alert
	for _, a := range s.alerts {
		if f.SubjectID != "" && a.SubjectID != f.SubjectID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.ReviewerID != "" && a.ReviewerID != f.ReviewerID {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListOpenUnassigned(_ context.Context) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Alert
	for _, a := range s.alerts {
		if a.Status == StatusPending && a.ReviewerID == "" {
			out = append(out, cloneAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) OpenCountsByReviewer(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, a := range s.alerts {
		if a.Open() && a.ReviewerID != "" {
			counts[a.ReviewerID]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) Update(_ context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[a.ID]; !ok {
		return ErrNotFound
	}
	cp := cloneAlert(a)
	cp.UpdatedAt = time.Now()
	s.alerts[a.ID] = cp
	return nil
}

func (s *MemoryStore) DeleteResolvedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, a := range s.alerts {
		if a.Status == StatusResolved && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(s.alerts, id)
			delete(s.byTxn, a.TransactionID)
			deleted++
		}
	}
	return deleted, nil
}

// StaticPool is a fixed in-memory reviewer pool for demo/test use.
type StaticPool struct {
	mu        sync.RWMutex
	reviewers []Reviewer
}

// NewStaticPool creates a reviewer pool with the given members.
func NewStaticPool(reviewers ...Reviewer) *StaticPool {
	return &StaticPool{reviewers: reviewers}
}

// Add appends a reviewer to the pool.
func (p *StaticPool) Add(r Reviewer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reviewers = append(p.reviewers, r)
}

func (p *StaticPool) ListActive(_ context.Context) ([]Reviewer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Reviewer
	for _, r := range p.reviewers {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
