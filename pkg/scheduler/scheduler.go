// Package scheduler runs periodic maintenance sweeps on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweep performs one maintenance pass and reports how many items it touched.
type Sweep func(ctx context.Context) (int, error)

// Job is a named sweep with a standard five-field cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      Sweep
}

// Scheduler runs jobs on their schedules until stopped.
//
// Common schedules:
//   - "*/5 * * * *"  - every 5 minutes
//   - "*/10 * * * *" - every 10 minutes
//   - "0 3 * * *"    - daily at 3 AM
type Scheduler struct {
	cron    *cron.Cron
	jobs    []Job
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

// New creates a scheduler with no jobs.
func New() *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: slog.Default().With("component", "scheduler"),
	}
}

// Add registers a job. Jobs with an empty schedule are skipped so callers
// can pass configuration through unchanged.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Schedule == "" {
		s.logger.Info("schedule not configured, skipping job", "job", job.Name)
		return nil
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q for %s: %w", job.Schedule, job.Name, err)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start schedules every registered job. Jobs run with ctx, and the scheduler
// stops itself when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if len(s.jobs) == 0 {
		s.logger.Info("no jobs configured, scheduler idle")
		return nil
	}

	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.RunNow(ctx, job) }); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.Name, err)
		}
		s.logger.Info("scheduled job", "job", job.Name, "schedule", job.Schedule)
	}

	s.cron.Start()
	s.running = true

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// RunNow executes one pass of job immediately.
func (s *Scheduler) RunNow(ctx context.Context, job Job) {
	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled job failed", "job", job.Name, "error", err)
		return
	}

	if n > 0 {
		s.logger.Info("scheduled job completed", "job", job.Name, "affected", n, "duration_ms", time.Since(start).Milliseconds())
	} else {
		s.logger.Debug("scheduled job completed, nothing to do", "job", job.Name)
	}
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("scheduler stopped")
	}
}

// IsRunning reports whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the earliest next run across all jobs.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *time.Time
	for _, e := range s.cron.Entries() {
		if next == nil || e.Next.Before(*next) {
			t := e.Next
			next = &t
		}
	}
	return next
}
