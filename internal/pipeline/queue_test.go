package pipeline

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanujathanu123/finsight/internal/alerts"
)

func waitForJob(t *testing.T, q *Queue, jobID string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(jobID)
		require.NoError(t, err)
		if job.Status == JobCompleted || job.Status == JobFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return nil
}

func TestQueueProcessesJob(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, nil)
	q := NewQueue(fx.pipeline, 2, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	ledger := ledgerOf(
		"2024-03-06 10:05:00,row one,100.00,shopping",
		"2024-03-06 10:20:00,row two,200.00,shopping",
	)
	job, err := q.Enqueue("sub-1", []byte(ledger))
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)

	done := waitForJob(t, q, job.ID)
	assert.Equal(t, JobCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, 2, done.Result.Accepted)
	assert.Equal(t, 2, done.Result.Scored)
	require.NotNil(t, done.CompletedAt)
}

func TestQueueMalformedLedgerFailsWithoutRetryLoop(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, nil)
	q := NewQueue(fx.pipeline, 1, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	job, err := q.Enqueue("sub-1", []byte("Date,Amount\n2024-03-06,1.00\n"))
	require.NoError(t, err)

	done := waitForJob(t, q, job.ID)
	assert.Equal(t, JobFailed, done.Status)
	assert.Contains(t, done.Error, "ingestion failed")
}

func TestQueueGetUnknownJob(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, nil)
	q := NewQueue(fx.pipeline, 1, slog.Default())

	_, err := q.Get("job_missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueueSameSubjectJobsSerialize(t *testing.T) {
	fx := newFixture(t, alerts.NewStaticPool(), 70, nil)
	q := NewQueue(fx.pipeline, 4, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	ledger := []byte(ledgerOf("2024-03-06 10:05:00,row one,100.00,shopping"))
	a, err := q.Enqueue("sub-1", ledger)
	require.NoError(t, err)
	b, err := q.Enqueue("sub-1", ledger)
	require.NoError(t, err)

	jobA := waitForJob(t, q, a.ID)
	jobB := waitForJob(t, q, b.ID)
	assert.Equal(t, JobCompleted, jobA.Status)
	assert.Equal(t, JobCompleted, jobB.Status)

	// Identical ledgers: exactly one of the two runs scores the row.
	total := jobA.Result.Scored + jobB.Result.Scored
	skipped := jobA.Result.Skipped + jobB.Result.Skipped
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, skipped)
}
