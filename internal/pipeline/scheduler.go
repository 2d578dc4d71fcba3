package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/thanujathanu123/finsight/internal/alerts"
)

// Scheduler runs the background sweeps: scheduled retrains for subjects
// with enough accumulated transactions, reviewer assignment for backlogged
// alerts, and retention cleanup of resolved alerts.
type Scheduler struct {
	pipeline  *Pipeline
	alertSvc  *alerts.Service
	retention time.Duration
	logger    *slog.Logger

	cron *cron.Cron
}

// NewScheduler creates the background sweep scheduler.
func NewScheduler(p *Pipeline, alertSvc *alerts.Service, retention time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		pipeline:  p,
		alertSvc:  alertSvc,
		retention: retention,
		logger:    logger,
		cron:      cron.New(),
	}
}

// Start registers the sweep jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	// Retrain sweep: hourly, on the hour.
	if _, err := s.cron.AddFunc("0 * * * *", func() { s.safeRun(ctx, "retrain_sweep", s.retrainSweep) }); err != nil {
		return err
	}
	// Assignment sweep: every 5 minutes, drains any backlog left by an
	// empty reviewer pool.
	if _, err := s.cron.AddFunc("*/5 * * * *", func() { s.safeRun(ctx, "assign_sweep", s.assignSweep) }); err != nil {
		return err
	}
	// Retention cleanup: daily at 03:10.
	if _, err := s.cron.AddFunc("10 3 * * *", func() { s.safeRun(ctx, "alert_cleanup", s.cleanupSweep) }); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "retention", s.retention)
	return nil
}

// Stop halts the cron loop and waits for running sweeps to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// safeRun contains panics so one bad sweep cannot kill the scheduler.
func (s *Scheduler) safeRun(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "sweep", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		s.logger.Error("sweep failed", "sweep", name, "error", err)
	}
}

func (s *Scheduler) retrainSweep(ctx context.Context) error {
	subjects, err := s.pipeline.StaleSubjects(ctx)
	if err != nil {
		return err
	}
	for _, id := range subjects {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.pipeline.RetrainSubject(ctx, id, "scheduled"); err != nil {
			var te *ModelTrainingError
			if errors.As(err, &te) {
				s.logger.Warn("scheduled retrain skipped", "subject_id", id, "samples", te.Samples)
				continue
			}
			s.logger.Error("scheduled retrain failed", "subject_id", id, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) assignSweep(ctx context.Context) error {
	n, err := s.alertSvc.AssignOpen(ctx)
	if errors.Is(err, alerts.ErrNoReviewers) {
		return nil // backlog persists until reviewers come online
	}
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("backlog drained", "assigned", n)
	}
	return nil
}

func (s *Scheduler) cleanupSweep(ctx context.Context) error {
	_, err := s.alertSvc.CleanupResolved(ctx, s.retention)
	return err
}
