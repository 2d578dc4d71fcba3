package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanujathanu123/finsight/internal/alerts"
	"github.com/thanujathanu123/finsight/internal/config"
	"github.com/thanujathanu123/finsight/internal/ingest"
	"github.com/thanujathanu123/finsight/internal/profile"
	"github.com/thanujathanu123/finsight/internal/scoring"
)

type fixture struct {
	pipeline     *Pipeline
	transactions *ingest.MemoryStore
	profiles     *profile.MemoryStore
	scores       *scoring.MemoryStore
	alertStore   *alerts.MemoryStore
	alertSvc     *alerts.Service
}

var testBands = []alerts.Band{
	{MinScore: 0, Severity: alerts.SeverityLow},
	{MinScore: 70, Severity: alerts.SeverityMedium},
	{MinScore: 86, Severity: alerts.SeverityHigh},
	{MinScore: 96, Severity: alerts.SeverityCritical},
}

func newFixture(t *testing.T, pool alerts.ReviewerPool, threshold int, mutate func(*Settings)) *fixture {
	t.Helper()

	scores := scoring.NewMemoryStore()
	alertStore := alerts.NewMemoryStore()
	alertSvc := alerts.NewService(alertStore, pool, threshold, testBands)

	settings := Settings{
		Windows:          config.DefaultWindows,
		RetrainBatchSize: 500,
		MinTrainSamples:  30,
		ProfileDefaults: profile.Defaults{
			Contamination:     0.10,
			WeightAnomaly:     0.5,
			AmountMultiplier:  3.0,
			OffHoursStart:     22,
			OffHoursEnd:       6,
			RapidRepeatCount:  5,
			RapidRepeatWindow: 24 * time.Hour,
		},
	}
	if mutate != nil {
		mutate(&settings)
	}

	transactions := ingest.NewMemoryStore()
	profiles := profile.NewMemoryStore()
	p := New(transactions, profiles, scores, alertSvc, settings, slog.Default())
	return &fixture{
		pipeline:     p,
		transactions: transactions,
		profiles:     profiles,
		scores:       scores,
		alertStore:   alertStore,
		alertSvc:     alertSvc,
	}
}

func ledgerOf(rows ...string) string {
	return "Date,Description,Amount,Category\n" + strings.Join(rows, "\n") + "\n"
}

func TestRunAmountSpikeOutscoresPeers(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, func(s *Settings) {
		s.MinTrainSamples = 2
		s.ProfileDefaults.AmountMultiplier = 2.0
	})

	// Same subject, same hour: two ordinary rows and one spike.
	ledger := ledgerOf(
		"2024-03-06 10:05:00,groceries,100.00,shopping",
		"2024-03-06 10:20:00,groceries,100.00,shopping",
		"2024-03-06 10:40:00,wire transfer,50000.00,transfer",
	)
	res, err := fx.pipeline.Run(context.Background(), "sub-1", strings.NewReader(ledger))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Accepted)
	assert.Equal(t, 3, res.Scored)
	assert.False(t, res.Degraded)
	assert.True(t, res.Retrained)

	out, err := fx.scores.ListBySubject(context.Background(), "sub-1", 10)
	require.NoError(t, err)
	require.Len(t, out, 3)

	var spike *scoring.RiskScore
	var peers []*scoring.RiskScore
	for _, sc := range out {
		if sc.Rule > 0.5 {
			spike = sc
		} else {
			peers = append(peers, sc)
		}
	}
	require.NotNil(t, spike, "the 50000 row should trigger rules")
	require.Len(t, peers, 2)
	for _, peer := range peers {
		assert.Greater(t, spike.Fused, peer.Fused)
	}
	assert.NotEmpty(t, spike.Reasons)
}

func TestRunDegradedModeRuleOnly(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, nil)

	ledger := ledgerOf(
		"2024-03-06 10:05:00,row one,100.00,shopping",
		"2024-03-06 10:20:00,row two,100.00,shopping",
		"2024-03-06 10:40:00,row three,100.00,shopping",
	)
	res, err := fx.pipeline.Run(context.Background(), "sub-1", strings.NewReader(ledger))
	require.NoError(t, err)

	assert.True(t, res.Degraded, "too little history for a model")
	assert.False(t, res.Retrained)
	assert.Equal(t, 3, res.Scored)

	out, err := fx.scores.ListBySubject(context.Background(), "sub-1", 10)
	require.NoError(t, err)
	for _, sc := range out {
		assert.True(t, sc.Degraded)
		assert.Zero(t, sc.Anomaly, "rule-only mode carries no anomaly component")
	}
}

func TestRunMalformedRowAmongValid(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, nil)

	rows := make([]string, 0, 10)
	for i := 0; i < 9; i++ {
		rows = append(rows, fmt.Sprintf("2024-03-06 10:%02d:00,row %d,10.00,misc", i, i))
	}
	rows = append(rows, "2024-03-06 11:00:00,bad row,not-a-number,misc")

	res, err := fx.pipeline.Run(context.Background(), "sub-1", strings.NewReader(ledgerOf(rows...)))
	require.NoError(t, err, "one bad row must not fail the ledger")
	assert.Equal(t, 9, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 9, res.Scored)
	require.Len(t, res.Rejections, 1)
	assert.Contains(t, res.Rejections[0].Reason, "invalid amount")
}

func TestRunUnparsableLedgerIsIngestionError(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, nil)

	_, err := fx.pipeline.Run(context.Background(), "sub-1", strings.NewReader("Date,Amount\n2024-03-06,1.00\n"))
	var ie *IngestionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "sub-1", ie.SubjectID)
}

func TestRunReplayIsIdempotent(t *testing.T) {
	pool := alerts.NewStaticPool(alerts.Reviewer{ID: "rev-a", Name: "A", Active: true})
	// Threshold 1 so every scored transaction raises an alert.
	fx := newFixture(t, pool, 1, func(s *Settings) {
		s.ProfileDefaults.OffHoursStart = 0
		s.ProfileDefaults.OffHoursEnd = 24
	})

	ledger := ledgerOf(
		"2024-03-06 10:05:00,row one,100.00,shopping",
		"2024-03-06 10:20:00,row two,200.00,shopping",
	)

	first, err := fx.pipeline.Run(context.Background(), "sub-1", strings.NewReader(ledger))
	require.NoError(t, err)
	assert.Equal(t, 2, first.Scored)
	assert.Equal(t, 2, first.Alerted)

	second, err := fx.pipeline.Run(context.Background(), "sub-1", strings.NewReader(ledger))
	require.NoError(t, err)
	assert.Zero(t, second.Scored, "already-scored transactions are skipped")
	assert.Equal(t, 2, second.Skipped)
	assert.Zero(t, second.Alerted)

	all, err := fx.alertStore.List(context.Background(), alerts.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "replay must not duplicate alerts")
}

func TestRunEmptyReviewerPoolLeavesBacklog(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 1, func(s *Settings) {
		s.ProfileDefaults.OffHoursStart = 0
		s.ProfileDefaults.OffHoursEnd = 24
	})

	ledger := ledgerOf("2024-03-06 10:05:00,row one,100.00,shopping")
	res, err := fx.pipeline.Run(context.Background(), "sub-1", strings.NewReader(ledger))
	require.NoError(t, err, "an empty pool degrades to backlog, not failure")
	assert.Equal(t, 1, res.Alerted)
	assert.True(t, res.Backlog)
	assert.Zero(t, res.Assigned)

	open, err := fx.alertStore.ListOpenUnassigned(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestRunScoresAreVersionStamped(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, func(s *Settings) {
		s.MinTrainSamples = 2
	})

	ledger := ledgerOf(
		"2024-03-06 10:05:00,row one,100.00,shopping",
		"2024-03-06 10:20:00,row two,110.00,shopping",
		"2024-03-06 10:40:00,row three,90.00,shopping",
	)
	res, err := fx.pipeline.Run(context.Background(), "sub-1", strings.NewReader(ledger))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProfileVersion, "cold start trains once, bumping version to 2")

	out, err := fx.scores.ListBySubject(context.Background(), "sub-1", 10)
	require.NoError(t, err)
	for _, sc := range out {
		assert.Equal(t, 2, sc.ProfileVersion)
	}
}

func TestRetrainSubjectManual(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, func(s *Settings) {
		s.MinTrainSamples = 2
	})
	ctx := context.Background()

	ledger := ledgerOf(
		"2024-03-06 10:05:00,row one,100.00,shopping",
		"2024-03-06 10:20:00,row two,110.00,shopping",
	)
	_, err := fx.pipeline.Run(ctx, "sub-1", strings.NewReader(ledger))
	require.NoError(t, err)

	prof, err := fx.pipeline.RetrainSubject(ctx, "sub-1", "manual")
	require.NoError(t, err)
	assert.Equal(t, 3, prof.Version)
	assert.Equal(t, 2, prof.TrainedSamples)
}

func TestRetrainSubjectUnknown(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, nil)
	_, err := fx.pipeline.RetrainSubject(context.Background(), "nobody", "manual")
	assert.ErrorIs(t, err, profile.ErrNotFound)
}

func TestRetrainSubjectInsufficientHistory(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, nil)
	ctx := context.Background()

	ledger := ledgerOf("2024-03-06 10:05:00,row one,100.00,shopping")
	_, err := fx.pipeline.Run(ctx, "sub-1", strings.NewReader(ledger))
	require.NoError(t, err)

	_, err = fx.pipeline.RetrainSubject(ctx, "sub-1", "manual")
	var te *ModelTrainingError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.Samples)
}

// explodingTxnStore panics on the first write, mimicking a store failure
// inside the critical section.
type explodingTxnStore struct {
	ingest.Store
	armed bool
}

func (s *explodingTxnStore) CreateIfAbsent(ctx context.Context, tx *ingest.TransactionRecord) (bool, error) {
	if s.armed {
		s.armed = false
		panic("transaction store down")
	}
	return s.Store.CreateIfAbsent(ctx, tx)
}

func TestRunReleasesSubjectLockOnPanic(t *testing.T) {
	store := &explodingTxnStore{Store: ingest.NewMemoryStore(), armed: true}
	alertSvc := alerts.NewService(alerts.NewMemoryStore(), alerts.NewStaticPool(), 70, testBands)
	settings := Settings{
		Windows:          config.DefaultWindows,
		RetrainBatchSize: 500,
		MinTrainSamples:  30,
		ProfileDefaults:  profile.Defaults{Contamination: 0.10, WeightAnomaly: 0.5},
	}
	p := New(store, profile.NewMemoryStore(), scoring.NewMemoryStore(), alertSvc, settings, slog.Default())

	ledger := ledgerOf("2024-03-06 10:05:00,row one,100.00,shopping")

	// Recover the panic the way the job queue does, then hit the same
	// subject again: the lock must not stay held.
	func() {
		defer func() { require.NotNil(t, recover(), "first run should panic") }()
		_, _ = p.Run(context.Background(), "sub-1", strings.NewReader(ledger))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	res, err := p.Run(ctx, "sub-1", strings.NewReader(ledger))
	require.NoError(t, err, "subject must stay usable after a panicked run")
	assert.Equal(t, 1, res.Scored)
}

func TestRunCancelledContext(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ledger := ledgerOf("2024-03-06 10:05:00,row one,100.00,shopping")
	_, err := fx.pipeline.Run(ctx, "sub-1", strings.NewReader(ledger))
	assert.Error(t, err)
}
