// Package scheduler fires cron-scheduled workflow submissions. Schedules
// live in the store and carry their own workflow definition, so they
// survive restarts and fire independently of any prior run.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/laminarhq/laminar/internal/store"
)

// SubmitRequest is a workflow submission originating from a schedule.
type SubmitRequest struct {
	Name       string
	Definition json.RawMessage
	Inputs     map[string]any
	ActorID    string
}

// Submitter starts a workflow run. Satisfied by the serving layer's
// submission path; an interface here keeps the scheduler out of the
// engine's import graph.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (workflowID string, err error)
}

// Scheduler polls the store for due schedules and submits them.
type Scheduler struct {
	store     store.Store
	submitter Submitter
	parser    cron.Parser
	logger    *slog.Logger
	interval  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently submitting (dedup)
}

// NewScheduler creates a Scheduler with the standard five-field cron parser.
func NewScheduler(s store.Store, submitter Submitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     s,
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		interval:  60 * time.Second,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every enabled job whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // previous fire still submitting
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("scheduled submission failed",
				slog.String("job_id", job.ID),
				slog.String("name", job.Name),
				slog.String("error", err.Error()),
			)
		}
		s.release(job.ID)
	}
}

// runJob submits one schedule's workflow and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("firing schedule",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
	)

	var inputs map[string]any
	if len(job.Inputs) > 0 {
		if err := json.Unmarshal(job.Inputs, &inputs); err != nil {
			_ = s.updateAfterRun(ctx, job, now, "error")
			return fmt.Errorf("parse inputs for schedule %q: %w", job.ID, err)
		}
	}

	workflowID, err := s.submitter.Submit(ctx, SubmitRequest{
		Name:       job.Name,
		Definition: job.Definition,
		Inputs:     inputs,
		ActorID:    job.ActorID,
	})
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("schedule submission rejected",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("schedule submitted workflow",
			slog.String("job_id", job.ID),
			slog.String("workflow_id", workflowID),
		)
	}

	if updateErr := s.updateAfterRun(ctx, job, now, status); updateErr != nil {
		return updateErr
	}
	return err
}

func (s *Scheduler) updateAfterRun(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.NextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("next run for schedule %q: %w", job.ID, err)
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire marks the job in-flight unless it already is.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires every enabled schedule whose next run passed while
// the process was down. Each missed schedule fires once, not once per
// missed interval.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.release(job.ID)
		if err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
