// Package alerts turns high risk scores into reviewable alerts and manages
// their lifecycle: creation, reviewer assignment, review, resolution, and
// escalation. Alert creation is idempotent per transaction, so replayed
// ledgers never duplicate an alert.
package alerts

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when the alert does not exist.
	ErrNotFound = errors.New("alert: not found")

	// ErrNoReviewers is returned when assignment runs against an empty or
	// fully inactive reviewer pool.
	ErrNoReviewers = errors.New("alert: no active reviewers available")

	// ErrInvalidTransition is returned when a lifecycle move is not allowed
	// from the alert's current status.
	ErrInvalidTransition = errors.New("alert: invalid status transition")
)

// Severity buckets an alert by its fused score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status is the alert lifecycle state.
//
//	pending   -> in_review          (assignment + reviewer opens it)
//	in_review -> resolved           (reviewer closes it)
//	in_review -> pending            (escalation; reassigned to someone else)
type Status string

const (
	StatusPending  Status = "pending"
	StatusInReview Status = "in_review"
	StatusResolved Status = "resolved"
)

// Alert is one reviewable finding on a scored transaction.
type Alert struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	SubjectID     string `json:"subjectId"`

	Score    int      `json:"score"`
	Severity Severity `json:"severity"`
	Reasons  []string `json:"reasons,omitempty"`

	Status     Status `json:"status"`
	ReviewerID string `json:"reviewerId,omitempty"`

	// ExcludedReviewerID is set on escalation; reassignment must pick a
	// different reviewer than the one who escalated.
	ExcludedReviewerID string `json:"excludedReviewerId,omitempty"`

	Notes         string     `json:"notes,omitempty"`
	FalsePositive bool       `json:"falsePositive"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Open reports whether the alert still needs reviewer attention.
func (a *Alert) Open() bool {
	return a.Status == StatusPending || a.Status == StatusInReview
}

// Band maps a minimum fused score to a severity.
type Band struct {
	MinScore int
	Severity Severity
}

// SeverityFor picks the highest band whose minimum the score reaches.
// Bands need not be sorted.
func SeverityFor(score int, bands []Band) Severity {
	sorted := append([]Band(nil), bands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinScore < sorted[j].MinScore })

	sev := SeverityLow
	for _, b := range sorted {
		if score >= b.MinScore {
			sev = b.Severity
		}
	}
	return sev
}

// Reviewer is a member of the review pool.
type Reviewer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReviewerPool lists the reviewers eligible for assignment.
type ReviewerPool interface {
	// ListActive returns active reviewers ordered by ID.
	ListActive(ctx context.Context) ([]Reviewer, error)
}

// ListFilter narrows alert listings. Zero values mean no filter.
type ListFilter struct {
	SubjectID  string
	Status     Status
	Severity   Severity
	ReviewerID string
	Limit      int
}

// Store persists alerts.
type Store interface {
	// CreateIfAbsent writes the alert unless the transaction already has
	// one. Returns true when this call created the record.
	CreateIfAbsent(ctx context.Context, a *Alert) (bool, error)

	// Get returns the alert, or ErrNotFound.
	Get(ctx context.Context, id string) (*Alert, error)

	// List returns alerts matching the filter, newest first, ID as tiebreak.
	List(ctx context.Context, f ListFilter) ([]*Alert, error)

	// ListOpenUnassigned returns pending alerts with no reviewer, oldest
	// first so the backlog drains in creation order.
	ListOpenUnassigned(ctx context.Context) ([]*Alert, error)

	// OpenCountsByReviewer returns the number of open alerts per reviewer.
	OpenCountsByReviewer(ctx context.Context) (map[string]int, error)

	// Update rewrites the alert's mutable lifecycle fields.
	Update(ctx context.Context, a *Alert) error

	// DeleteResolvedBefore removes resolved alerts older than the cutoff
	// and returns how many were deleted.
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
