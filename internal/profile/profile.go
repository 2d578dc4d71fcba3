// Package profile owns the per-subject statistical state of the risk
// pipeline: feature normalization parameters, the trained anomaly model,
// rule thresholds, and the version counter.
//
// A profile is created lazily on a subject's first ledger and retrained when
// enough new transactions accumulate or on explicit request. Every retrain
// bumps Version; scores always record the version they were computed under,
// so a retrain never rewrites history. Concurrent access is serialized per
// subject by the pipeline, not here.
package profile

import (
	"context"
	"errors"
	"time"

	"github.com/thanujathanu123/finsight/internal/anomaly"
)

// ErrNotFound is returned when a subject has no stored profile yet.
var ErrNotFound = errors.New("profile: not found")

// Defaults seeds a freshly created profile. Values come from configuration.
type Defaults struct {
	Contamination     float64
	WeightAnomaly     float64
	AmountMultiplier  float64
	OffHoursStart     int
	OffHoursEnd       int
	RapidRepeatCount  int
	RapidRepeatWindow time.Duration
}

// Profile is the versioned statistical state for one subject.
type Profile struct {
	SubjectID string `json:"subjectId"`
	Version   int    `json:"version"`

	// Vocabulary is the category vocabulary frozen at this version. Feature
	// width depends on it; encoding reserves one extra slot for categories
	// unseen at train time.
	Vocabulary []string `json:"vocabulary"`

	// Means and Scales are the per-feature normalization statistics fitted
	// on the training corpus at the last retrain.
	Means  []float64 `json:"means"`
	Scales []float64 `json:"scales"`

	// Model is the trained anomaly ensemble. Nil while the subject has not
	// accumulated enough history; the scorer then runs rule-only.
	Model *anomaly.Forest `json:"model,omitempty"`

	// MeanAbsAmount is the training-corpus mean absolute amount, used by
	// the amount-multiplier rule.
	MeanAbsAmount float64 `json:"meanAbsAmount"`

	Contamination     float64       `json:"contamination"`
	WeightAnomaly     float64       `json:"weightAnomaly"`
	AmountMultiplier  float64       `json:"amountMultiplier"`
	OffHoursStart     int           `json:"offHoursStart"`
	OffHoursEnd       int           `json:"offHoursEnd"`
	RapidRepeatCount  int           `json:"rapidRepeatCount"`
	RapidRepeatWindow time.Duration `json:"rapidRepeatWindow"`

	TrainedAt      time.Time `json:"trainedAt"`
	TrainedSamples int       `json:"trainedSamples"`
	NewSinceTrain  int       `json:"newSinceTrain"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates version-1 profile state for a cold-start subject. The model
// stays nil until the first successful retrain.
func New(subjectID string, d Defaults) *Profile {
	now := time.Now()
	return &Profile{
		SubjectID:         subjectID,
		Version:           1,
		Contamination:     d.Contamination,
		WeightAnomaly:     d.WeightAnomaly,
		AmountMultiplier:  d.AmountMultiplier,
		OffHoursStart:     d.OffHoursStart,
		OffHoursEnd:       d.OffHoursEnd,
		RapidRepeatCount:  d.RapidRepeatCount,
		RapidRepeatWindow: d.RapidRepeatWindow,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Trained reports whether the profile carries a usable anomaly model.
func (p *Profile) Trained() bool {
	return p.Model != nil && len(p.Means) > 0 && len(p.Means) == len(p.Scales)
}

// Clone returns a deep-enough copy for lock-free scoring: slices are copied,
// the immutable trained model is shared.
func (p *Profile) Clone() *Profile {
	cp := *p
	cp.Vocabulary = append([]string(nil), p.Vocabulary...)
	cp.Means = append([]float64(nil), p.Means...)
	cp.Scales = append([]float64(nil), p.Scales...)
	return &cp
}

// Store persists risk profiles keyed by subject.
type Store interface {
	// Get returns the subject's profile, or ErrNotFound.
	Get(ctx context.Context, subjectID string) (*Profile, error)

	// Save upserts the profile. The caller bumps Version before saving a
	// retrained profile.
	Save(ctx context.Context, p *Profile) error

	// ListStale returns subjects whose accumulated new-transaction count
	// has reached the given batch size (retrain sweep input).
	ListStale(ctx context.Context, batchSize int) ([]string, error)
}
