// Package cron drives the sync job on a cron expression or fixed interval.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/archivist/internal/config"
)

// SyncJobID names the single scheduled job.
const SyncJobID = "sync"

// Scheduler fires the sync job when it is due. Ticks never overlap within one
// process; the lease keeps separate processes apart.
type Scheduler struct {
	job          *Job
	runner       Runner
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides how often the scheduler checks for due work.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler parses cfg and schedules runner's first tick.
func NewScheduler(cfg config.ScheduleConfig, runner Runner, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("cron: runner is required")
	}
	schedule, err := NewSchedule(cfg)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		runner:       runner,
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	next, err := schedule.Next(s.now())
	if err != nil {
		return nil, err
	}
	s.job = &Job{ID: SyncJobID, Schedule: schedule, NextRun: next}
	return s, nil
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	next := s.job.NextRun
	s.mu.Unlock()
	s.logger.Info("scheduler started", "schedule", describe(s.job.Schedule), "next_run", next)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the tick loop and any in-flight run to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs the job if it is due and reports whether it ran.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if s == nil {
		return false
	}
	return s.runDue(ctx)
}

// Job returns a snapshot of the scheduled job.
func (s *Scheduler) Job() Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.job
}

func (s *Scheduler) runDue(ctx context.Context) bool {
	now := s.now()
	s.mu.Lock()
	job := s.job
	if job.NextRun.IsZero() || now.Before(job.NextRun) {
		s.mu.Unlock()
		return false
	}
	job.LastRun = now
	schedule := job.Schedule
	s.mu.Unlock()

	err := s.execute(ctx)
	if err != nil {
		s.logger.Warn("scheduled run failed", "id", job.ID, "error", err)
	}
	// Missed ticks collapse into one: the next run is computed from the
	// clock after this one finished.
	next, nextErr := schedule.Next(s.now())

	s.mu.Lock()
	job.Runs++
	job.LastError = ""
	if err != nil {
		job.LastError = err.Error()
	}
	if nextErr != nil {
		job.LastError = nextErr.Error()
		job.NextRun = time.Time{}
		s.logger.Error("scheduler stopped", "id", job.ID, "error", nextErr)
	} else {
		job.NextRun = next
	}
	s.mu.Unlock()
	return true
}

func (s *Scheduler) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled run panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.runner.Run(ctx)
}

func describe(s Schedule) string {
	if s.Kind == "every" {
		return "every " + s.Every.String()
	}
	return s.CronExpr
}
