package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thanujathanu123/finsight/internal/idgen"
	"github.com/thanujathanu123/finsight/internal/logging"
	"github.com/thanujathanu123/finsight/internal/retry"
)

// ErrJobNotFound is returned when the job ID is unknown.
var ErrJobNotFound = errors.New("pipeline: job not found")

// ErrQueueFull is returned when the queue cannot accept more work.
var ErrQueueFull = errors.New("pipeline: queue full")

// JobStatus is the lifecycle state of a queued ledger job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job tracks one submitted ledger through the queue.
type Job struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subjectId"`
	Status    JobStatus `json:"status"`

	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`

	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type work struct {
	jobID     string
	subjectID string
	ledger    []byte
}

// Notifier receives completed job summaries for fan-out.
type Notifier interface {
	JobCompleted(payload interface{})
}

// Queue runs ledger jobs on a fixed worker pool. Jobs for different
// subjects proceed in parallel; the pipeline's per-subject lock keeps
// same-subject jobs serialized. Processing is at-least-once: transient
// failures are retried, and every stage tolerates replay.
type Queue struct {
	pipeline *Pipeline
	logger   *slog.Logger
	notifier Notifier

	mu   sync.RWMutex
	jobs map[string]*Job

	work    chan work
	wg      sync.WaitGroup
	workers int

	maxAttempts int
	baseDelay   time.Duration
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithJobNotifier sets the completed-job event sink.
func WithJobNotifier(n Notifier) QueueOption {
	return func(q *Queue) { q.notifier = n }
}

// NewQueue creates a queue with the given worker count.
func NewQueue(p *Pipeline, workers int, logger *slog.Logger, opts ...QueueOption) *Queue {
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{
		pipeline:    p,
		logger:      logger,
		jobs:        make(map[string]*Job),
		work:        make(chan work, 256),
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.workers = workers
	return q
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Enqueue registers a job for the ledger and queues it for processing.
func (q *Queue) Enqueue(subjectID string, ledger []byte) (*Job, error) {
	job := &Job{
		ID:         idgen.WithPrefix("job_"),
		SubjectID:  subjectID,
		Status:     JobQueued,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	select {
	case q.work <- work{jobID: job.ID, subjectID: subjectID, ledger: ledger}:
		return q.snapshot(job.ID), nil
	default:
		q.mu.Lock()
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
}

// Get returns the job's current state, or ErrJobNotFound.
func (q *Queue) Get(jobID string) (*Job, error) {
	j := q.snapshot(jobID)
	if j == nil {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (q *Queue) snapshot(jobID string) *Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-q.work:
			q.safeProcess(ctx, w)
		}
	}
}

// safeProcess runs one job, containing panics so a bad ledger cannot take
// down the worker pool.
func (q *Queue) safeProcess(ctx context.Context, w work) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked", "job_id", w.jobID, "panic", r)
			q.finish(w.jobID, nil, fmt.Errorf("internal error: %v", r))
		}
	}()

	ctx = logging.WithJobID(ctx, w.jobID)
	now := time.Now()
	q.update(w.jobID, func(j *Job) {
		j.Status = JobRunning
		j.StartedAt = &now
	})

	var res *Result
	err := retry.Do(ctx, q.maxAttempts, q.baseDelay, func() error {
		r, runErr := q.pipeline.Run(ctx, w.subjectID, bytes.NewReader(w.ledger))
		if runErr != nil {
			var ie *IngestionError
			if errors.As(runErr, &ie) {
				// A malformed file stays malformed; don't retry.
				return retry.Permanent(runErr)
			}
			return runErr
		}
		res = r
		return nil
	})

	q.finish(w.jobID, res, err)
}

func (q *Queue) finish(jobID string, res *Result, err error) {
	now := time.Now()
	q.update(jobID, func(j *Job) {
		j.CompletedAt = &now
		if err != nil {
			j.Status = JobFailed
			j.Error = err.Error()
			return
		}
		j.Status = JobCompleted
		j.Result = res
	})

	if err != nil {
		q.logger.Error("job failed", "job_id", jobID, "error", err)
		return
	}
	if q.notifier != nil {
		q.notifier.JobCompleted(q.snapshot(jobID))
	}
}

func (q *Queue) update(jobID string, fn func(*Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[jobID]; ok {
		fn(j)
	}
}
