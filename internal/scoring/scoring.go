// Package scoring fuses the anomaly and rule components into the final
// 0-100 risk score and persists scores immutably: a transaction is scored
// at most once, under one profile version, and retrains never rewrite it.
package scoring

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned when a transaction has no stored score.
var ErrNotFound = errors.New("scoring: score not found")

// RiskScore is the immutable scoring record for one transaction.
type RiskScore struct {
	TransactionID string `json:"transactionId"`
	SubjectID     string `json:"subjectId"`

	// Anomaly and Rule are the raw components in [0, 1]. Anomaly is 0 when
	// the score was produced in rule-only degraded mode.
	Anomaly float64 `json:"anomaly"`
	Rule    float64 `json:"rule"`

	// Fused is the blended score on the 0-100 integer scale.
	Fused int `json:"fused"`

	ProfileVersion int       `json:"profileVersion"`
	Degraded       bool      `json:"degraded"`
	Reasons        []string  `json:"reasons,omitempty"`
	ScoredAt       time.Time `json:"scoredAt"`
}

// Fuse blends the two components with the profile's anomaly weight and maps
// the result onto 0-100. Components are clamped to [0, 1] first so a noisy
// model cannot push the fused score out of range.
func Fuse(anomalyComponent, ruleComponent, weightAnomaly float64) int {
	a := clamp01(anomalyComponent)
	r := clamp01(ruleComponent)
	w := clamp01(weightAnomaly)
	fused := w*a + (1-w)*r
	return int(math.Round(clamp01(fused) * 100))
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Store persists risk scores keyed by transaction ID.
type Store interface {
	// CreateIfAbsent writes the score unless one already exists for the
	// transaction. Returns true when this call created the record; a false
	// return with nil error means the transaction was already scored.
	CreateIfAbsent(ctx context.Context, s *RiskScore) (bool, error)

	// GetByTransaction returns the stored score, or ErrNotFound.
	GetByTransaction(ctx context.Context, transactionID string) (*RiskScore, error)

	// ListBySubject returns the subject's scores ordered by scoring time
	// descending, transaction ID as tiebreak, capped at limit.
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]*RiskScore, error)
}
