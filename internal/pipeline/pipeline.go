// Package pipeline orchestrates the risk analysis stages for one ledger:
// ingestion, profile load, optional retrain, feature extraction, anomaly and
// rule scoring, fusion, alert generation, and reviewer assignment.
//
// A subject's critical section (train-or-score) is serialized by a
// context-aware per-subject lock; jobs for different subjects run in
// parallel. Every stage is idempotent under replay: transaction IDs, scores,
// and alerts are content-keyed, so retrying a ledger never duplicates state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/thanujathanu123/finsight/internal/alerts"
	"github.com/thanujathanu123/finsight/internal/anomaly"
	"github.com/thanujathanu123/finsight/internal/features"
	"github.com/thanujathanu123/finsight/internal/ingest"
	"github.com/thanujathanu123/finsight/internal/metrics"
	"github.com/thanujathanu123/finsight/internal/profile"
	"github.com/thanujathanu123/finsight/internal/rules"
	"github.com/thanujathanu123/finsight/internal/scoring"
	"github.com/thanujathanu123/finsight/internal/syncutil"
	"github.com/thanujathanu123/finsight/internal/traces"
)

// Settings carries the tunables the pipeline reads per job.
type Settings struct {
	Windows          []time.Duration
	RetrainBatchSize int
	MinTrainSamples  int
	ProfileDefaults  profile.Defaults
}

// Result summarizes one completed ledger job.
type Result struct {
	SubjectID      string              `json:"subjectId"`
	Accepted       int                 `json:"accepted"`
	Rejected       int                 `json:"rejected"`
	Rejections     []ingest.RejectedRow `json:"rejections,omitempty"`
	Scored         int                 `json:"scored"`
	Skipped        int                 `json:"skipped"` // already scored in an earlier run
	Alerted        int                 `json:"alerted"`
	Assigned       int                 `json:"assigned"`
	Backlog        bool                `json:"backlog"` // alerts created but no reviewers available
	Degraded       bool                `json:"degraded"`
	Retrained      bool                `json:"retrained"`
	ProfileVersion int                 `json:"profileVersion"`
	StartedAt      time.Time           `json:"startedAt"`
	CompletedAt    time.Time           `json:"completedAt"`
}

// Pipeline wires the stage implementations together.
type Pipeline struct {
	transactions ingest.Store
	profiles     profile.Store
	scores       scoring.Store
	alertSvc     *alerts.Service
	engine       *rules.Engine
	settings     Settings
	logger       *slog.Logger

	// locks serializes the train-or-score critical section per subject.
	locks *syncutil.ContextShardedMutex
}

// New creates a pipeline over the given stores and alert service.
func New(transactions ingest.Store, profiles profile.Store, scores scoring.Store, alertSvc *alerts.Service, settings Settings, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		transactions: transactions,
		profiles:     profiles,
		scores:       scores,
		alertSvc:     alertSvc,
		engine:       rules.NewEngine(),
		settings:     settings,
		logger:       logger,
		locks:        syncutil.NewContextShardedMutex(),
	}
}

// Run processes one ledger for a subject end to end.
func (p *Pipeline) Run(ctx context.Context, subjectID string, ledger io.Reader) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.run", traces.SubjectID(subjectID))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}()

	res := &Result{SubjectID: subjectID, StartedAt: start}

	parsed, err := ingest.ReadLedger(ledger, subjectID)
	if err != nil {
		metrics.LedgersProcessedTotal.WithLabelValues("failed").Inc()
		return nil, &IngestionError{SubjectID: subjectID, Err: err}
	}
	res.Accepted = len(parsed.Accepted)
	res.Rejected = len(parsed.Rejected)
	res.Rejections = parsed.Rejected
	metrics.RowsIngestedTotal.WithLabelValues("accepted").Add(float64(res.Accepted))
	metrics.RowsIngestedTotal.WithLabelValues("rejected").Add(float64(res.Rejected))

	unlock, err := p.locks.LockContext(ctx, subjectID)
	if err != nil {
		metrics.LedgersProcessedTotal.WithLabelValues("cancelled").Inc()
		return nil, err
	}

	// The queue recovers panics and keeps serving, so the lock must be
	// released even when a stage panics or the subject stays wedged.
	err = func() error {
		defer unlock()
		return p.runLocked(ctx, subjectID, parsed.Accepted, res)
	}()
	if err != nil {
		metrics.LedgersProcessedTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	// Assignment runs outside the subject lock: it touches the global
	// reviewer pool, not subject state.
	if res.Alerted > 0 {
		assigned, err := p.alertSvc.AssignOpen(ctx)
		res.Assigned = assigned
		if errors.Is(err, alerts.ErrNoReviewers) {
			res.Backlog = true
			p.logger.Warn("alerts created but reviewer pool is empty",
				"subject_id", subjectID, "alerted", res.Alerted)
		} else if err != nil {
			return nil, &AssignmentError{Unassigned: res.Alerted - assigned, Err: err}
		}
	}

	res.CompletedAt = time.Now()
	metrics.LedgersProcessedTotal.WithLabelValues("completed").Inc()
	p.logger.Info("ledger processed",
		"subject_id", subjectID,
		"accepted", res.Accepted,
		"rejected", res.Rejected,
		"scored", res.Scored,
		"skipped", res.Skipped,
		"alerted", res.Alerted,
		"degraded", res.Degraded,
		"profile_version", res.ProfileVersion,
		"duration", time.Since(start))
	return res, nil
}

// runLocked executes the per-subject critical section: persist records,
// maybe retrain, score, and raise alerts. Caller holds the subject lock.
func (p *Pipeline) runLocked(ctx context.Context, subjectID string, accepted []ingest.TransactionRecord, res *Result) error {
	prof, err := p.loadOrInitProfile(ctx, subjectID)
	if err != nil {
		return err
	}

	created := 0
	for i := range accepted {
		wrote, err := p.transactions.CreateIfAbsent(ctx, &accepted[i])
		if err != nil {
			return fmt.Errorf("persist transaction: %w", err)
		}
		if wrote {
			created++
		}
	}
	prof.NewSinceTrain += created

	history, err := p.transactions.ListBySubject(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	if prof.Model == nil || prof.NewSinceTrain >= p.settings.RetrainBatchSize {
		trigger := "batch"
		if prof.Model == nil {
			trigger = "cold_start"
		}
		if err := p.Retrain(ctx, prof, history, trigger); err != nil {
			var te *ModelTrainingError
			if !errors.As(err, &te) {
				return err
			}
			// Rule-only until enough history accumulates.
			p.logger.Warn("retrain skipped, scoring rule-only",
				"subject_id", subjectID, "samples", te.Samples, "reason", te.Err)
		} else {
			res.Retrained = true
		}
	}

	if err := p.scoreBatch(ctx, prof, accepted, history, res); err != nil {
		return err
	}
	res.ProfileVersion = prof.Version

	if err := p.profiles.Save(ctx, prof); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// loadOrInitProfile returns the subject's profile, creating version-1 state
// on first contact. Corrupt persisted state is logged and rebuilt rather
// than failing the job.
func (p *Pipeline) loadOrInitProfile(ctx context.Context, subjectID string) (*profile.Profile, error) {
	prof, err := p.profiles.Get(ctx, subjectID)
	if err == nil {
		return prof, nil
	}
	if !errors.Is(err, profile.ErrNotFound) {
		pse := &ProfileStateError{SubjectID: subjectID, Err: err}
		if ctx.Err() != nil {
			return nil, pse
		}
		p.logger.Error("profile state unreadable, reinitializing", "subject_id", subjectID, "error", err)
	}
	return profile.New(subjectID, p.settings.ProfileDefaults), nil
}

// Retrain rebuilds the subject's vocabulary, normalization statistics, and
// anomaly model from its full stored history, bumping the profile version.
// Deterministic for a given history.
func (p *Pipeline) Retrain(ctx context.Context, prof *profile.Profile, history []ingest.TransactionRecord, trigger string) error {
	_, span := traces.StartSpan(ctx, "pipeline.retrain",
		traces.SubjectID(prof.SubjectID), traces.ProfileVersion(prof.Version))
	defer span.End()

	if len(history) < p.settings.MinTrainSamples {
		return &ModelTrainingError{
			SubjectID: prof.SubjectID,
			Samples:   len(history),
			Err:       fmt.Errorf("need at least %d samples", p.settings.MinTrainSamples),
		}
	}

	vocab := features.BuildVocabulary(history)
	ex := features.NewExtractor(p.settings.Windows, vocab)

	timestamps := timestampsOf(history)
	matrix := make([][]float64, len(history))
	var absSum float64
	for i, tx := range history {
		matrix[i] = ex.Extract(tx, timestamps)
		absSum += abs(tx.Amount)
	}

	norm := features.Fit(matrix, ex.ContinuousIndices())
	for i := range matrix {
		matrix[i] = norm.Apply(matrix[i])
	}

	model, err := anomaly.Train(matrix, prof.Contamination, anomaly.Options{})
	if err != nil {
		return &ModelTrainingError{SubjectID: prof.SubjectID, Samples: len(history), Err: err}
	}

	prof.Version++
	prof.Vocabulary = vocab
	prof.Means = norm.Means
	prof.Scales = norm.Scales
	prof.Model = model
	prof.MeanAbsAmount = absSum / float64(len(history))
	prof.TrainedAt = time.Now()
	prof.TrainedSamples = len(history)
	prof.NewSinceTrain = 0

	metrics.ProfileRetrainsTotal.WithLabelValues(trigger).Inc()
	p.logger.Info("profile retrained",
		"subject_id", prof.SubjectID,
		"version", prof.Version,
		"samples", prof.TrainedSamples,
		"vocabulary", len(vocab),
		"trigger", trigger)
	return nil
}

// scoreBatch scores the accepted records in timestamp order against the
// current profile, persisting scores and raising alerts.
func (p *Pipeline) scoreBatch(ctx context.Context, prof *profile.Profile, accepted []ingest.TransactionRecord, history []ingest.TransactionRecord, res *Result) error {
	batch := append([]ingest.TransactionRecord(nil), accepted...)
	sort.Slice(batch, func(i, j int) bool {
		if !batch[i].Timestamp.Equal(batch[j].Timestamp) {
			return batch[i].Timestamp.Before(batch[j].Timestamp)
		}
		return batch[i].ID < batch[j].ID
	})

	ex := features.NewExtractor(p.settings.Windows, prof.Vocabulary)
	norm := features.NewNormalizer(prof.Means, prof.Scales)
	timestamps := timestampsOf(history)

	trained := prof.Trained()
	if !trained && len(batch) > 0 {
		res.Degraded = true
		metrics.DegradedSubjectsTotal.Inc()
	}

	for _, tx := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var anomalyComponent float64
		if trained {
			vec := norm.Apply(ex.Extract(tx, timestamps))
			anomalyComponent = prof.Model.Score(vec)
		}

		ruleComponent, reasons := p.engine.Component(&rules.Context{
			Tx:      tx,
			History: history,
			Profile: prof,
		})

		sc := &scoring.RiskScore{
			TransactionID:  tx.ID,
			SubjectID:      tx.SubjectID,
			Anomaly:        anomalyComponent,
			Rule:           ruleComponent,
			Fused:          scoring.Fuse(anomalyComponent, ruleComponent, prof.WeightAnomaly),
			ProfileVersion: prof.Version,
			Degraded:       !trained,
			Reasons:        reasons,
			ScoredAt:       time.Now(),
		}

		createdScore, err := p.scores.CreateIfAbsent(ctx, sc)
		if err != nil {
			return fmt.Errorf("persist score: %w", err)
		}
		if !createdScore {
			res.Skipped++
			continue
		}
		res.Scored++

		mode := "full"
		if !trained {
			mode = "rule_only"
		}
		metrics.TransactionsScoredTotal.WithLabelValues(mode).Inc()

		_, alerted, err := p.alertSvc.Generate(ctx, sc)
		if err != nil {
			return err
		}
		if alerted {
			res.Alerted++
		}
	}
	return nil
}

// RetrainSubject retrains one subject from stored history under the subject
// lock. Used by the scheduled sweep and the manual retrain endpoint.
func (p *Pipeline) RetrainSubject(ctx context.Context, subjectID, trigger string) (*profile.Profile, error) {
	unlock, err := p.locks.LockContext(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prof, err := p.profiles.Get(ctx, subjectID)
	if errors.Is(err, profile.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &ProfileStateError{SubjectID: subjectID, Err: err}
	}

	history, err := p.transactions.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if err := p.Retrain(ctx, prof, history, trigger); err != nil {
		return nil, err
	}
	if err := p.profiles.Save(ctx, prof); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	return prof, nil
}

// StaleSubjects lists subjects due for a scheduled retrain.
func (p *Pipeline) StaleSubjects(ctx context.Context) ([]string, error) {
	return p.profiles.ListStale(ctx, p.settings.RetrainBatchSize)
}

func timestampsOf(history []ingest.TransactionRecord) []time.Time {
	ts := make([]time.Time, len(history))
	for i, tx := range history {
		ts[i] = tx.Timestamp
	}
	return ts
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
