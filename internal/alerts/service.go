package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/thanujathanu123/finsight/internal/idgen"
	"github.com/thanujathanu123/finsight/internal/metrics"
	"github.com/thanujathanu123/finsight/internal/scoring"
	"github.com/thanujathanu123/finsight/internal/syncutil"
)

// Notifier receives lifecycle events for fan-out to connected clients.
type Notifier interface {
	AlertCreated(a *Alert)
	AlertAssigned(a *Alert)
}

// Service implements alert generation, assignment, and review workflow.
type Service struct {
	store    Store
	pool     ReviewerPool
	notifier Notifier
	logger   *slog.Logger

	threshold int
	bands     []Band

	// locks serializes lifecycle mutations per alert ID.
	locks *syncutil.ShardedMutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithNotifier sets the lifecycle event sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// NewService creates the alert service. threshold is the minimum fused
// score that raises an alert; bands map scores to severities.
func NewService(store Store, pool ReviewerPool, threshold int, bands []Band, opts ...Option) *Service {
	s := &Service{
		store:     store,
		pool:      pool,
		logger:    slog.Default(),
		threshold: threshold,
		bands:     bands,
		locks:     &syncutil.ShardedMutex{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate raises an alert for the score when it meets the threshold.
// Returns (nil, false, nil) below threshold and (nil, false, nil) when the
// transaction already carries an alert from an earlier run.
func (s *Service) Generate(ctx context.Context, sc *scoring.RiskScore) (*Alert, bool, error) {
	if sc.Fused < s.threshold {
		return nil, false, nil
	}

	a := &Alert{
		ID:            idgen.WithPrefix("alr_"),
		TransactionID: sc.TransactionID,
		SubjectID:     sc.SubjectID,
		Score:         sc.Fused,
		Severity:      SeverityFor(sc.Fused, s.bands),
		Reasons:       append([]string(nil), sc.Reasons...),
		Status:        StatusPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	created, err := s.store.CreateIfAbsent(ctx, a)
	if err != nil {
		return nil, false, fmt.Errorf("create alert: %w", err)
	}
	if !created {
		return nil, false, nil
	}

	metrics.AlertsCreatedTotal.WithLabelValues(string(a.Severity)).Inc()
	s.logger.Info("alert created",
		"alert_id", a.ID,
		"subject_id", a.SubjectID,
		"transaction_id", a.TransactionID,
		"score", a.Score,
		"severity", a.Severity)
	if s.notifier != nil {
		s.notifier.AlertCreated(a)
	}
	return a, true, nil
}

// AssignOpen distributes every unassigned pending alert across the active
// reviewer pool, least-loaded first with reviewer ID as tiebreak. Returns
// the number assigned; ErrNoReviewers leaves the backlog untouched.
func (s *Service) AssignOpen(ctx context.Context) (int, error) {
	open, err := s.store.ListOpenUnassigned(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unassigned alerts: %w", err)
	}
	if len(open) == 0 {
		return 0, nil
	}

	reviewers, err := s.pool.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list reviewers: %w", err)
	}
	if len(reviewers) == 0 {
		metrics.AlertBacklog.Set(float64(len(open)))
		return 0, ErrNoReviewers
	}

	counts, err := s.store.OpenCountsByReviewer(ctx)
	if err != nil {
		return 0, fmt.Errorf("reviewer load: %w", err)
	}
	loads := make(map[string]int, len(reviewers))
	for _, r := range reviewers {
		loads[r.ID] = counts[r.ID]
	}

	assigned := 0
	for _, a := range open {
		rid := pickReviewer(reviewers, loads, a.ExcludedReviewerID)
		if rid == "" {
			// Every active reviewer is excluded for this alert; leave it
			// pending for the next pass.
			continue
		}

		a.ReviewerID = rid
		a.ExcludedReviewerID = ""
		if err := s.store.Update(ctx, a); err != nil {
			return assigned, fmt.Errorf("assign alert %s: %w", a.ID, err)
		}
		loads[rid]++
		assigned++

		metrics.AlertsAssignedTotal.Inc()
		s.logger.Info("alert assigned", "alert_id", a.ID, "reviewer_id", rid)
		if s.notifier != nil {
			s.notifier.AlertAssigned(a)
		}
	}

	metrics.AlertBacklog.Set(float64(len(open) - assigned))
	return assigned, nil
}

// pickReviewer returns the least-loaded eligible reviewer, lowest ID on
// ties. Deterministic for a given pool and load map.
func pickReviewer(reviewers []Reviewer, loads map[string]int, excluded string) string {
	sorted := append([]Reviewer(nil), reviewers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	best := ""
	bestLoad := 0
	for _, r := range sorted {
		if r.ID == excluded {
			continue
		}
		if best == "" || loads[r.ID] < bestLoad {
			best = r.ID
			bestLoad = loads[r.ID]
		}
	}
	return best
}

// StartReview moves a pending, assigned alert into review. Only the
// assigned reviewer may open it.
func (s *Service) StartReview(ctx context.Context, alertID, reviewerID string) (*Alert, error) {
	unlock := s.locks.Lock(alertID)
	defer unlock()

	a, err := s.store.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending || a.ReviewerID == "" {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, StatusInReview)
	}
	if a.ReviewerID != reviewerID {
		return nil, fmt.Errorf("%w: alert is assigned to %s", ErrInvalidTransition, a.ReviewerID)
	}

	a.Status = StatusInReview
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("alert review started", "alert_id", a.ID, "reviewer_id", reviewerID)
	return a, nil
}

// Resolve closes an in-review alert with the reviewer's disposition.
func (s *Service) Resolve(ctx context.Context, alertID, reviewerID, notes string, falsePositive bool) (*Alert, error) {
	unlock := s.locks.Lock(alertID)
	defer unlock()

	a, err := s.store.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusInReview {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, StatusResolved)
	}
	if a.ReviewerID != reviewerID {
		return nil, fmt.Errorf("%w: alert is assigned to %s", ErrInvalidTransition, a.ReviewerID)
	}

	now := time.Now()
	a.Status = StatusResolved
	a.Notes = notes
	a.FalsePositive = falsePositive
	a.ResolvedAt = &now
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("alert resolved",
		"alert_id", a.ID,
		"reviewer_id", reviewerID,
		"false_positive", falsePositive)
	return a, nil
}

// Escalate sends an in-review alert back to pending for reassignment to a
// different reviewer.
func (s *Service) Escalate(ctx context.Context, alertID, reviewerID, notes string) (*Alert, error) {
	unlock := s.locks.Lock(alertID)
	defer unlock()

	a, err := s.store.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusInReview {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, StatusPending)
	}
	if a.ReviewerID != reviewerID {
		return nil, fmt.Errorf("%w: alert is assigned to %s", ErrInvalidTransition, a.ReviewerID)
	}

	a.Status = StatusPending
	a.ExcludedReviewerID = reviewerID
	a.ReviewerID = ""
	if notes != "" {
		a.Notes = notes
	}
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("alert escalated", "alert_id", a.ID, "escalated_by", reviewerID)
	return a, nil
}

// Get returns one alert.
func (s *Service) Get(ctx context.Context, id string) (*Alert, error) {
	return s.store.Get(ctx, id)
}

// List returns alerts matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Alert, error) {
	return s.store.List(ctx, f)
}

// CleanupResolved deletes resolved alerts older than the retention window.
func (s *Service) CleanupResolved(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	n, err := s.store.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("resolved alerts cleaned up", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}
