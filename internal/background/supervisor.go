// Package background runs detached work that must outlive the request that
// started it, such as answering a deferred interaction.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/archivist/internal/observability"
)

// ErrStopped is returned by Go after Shutdown has begun.
var ErrStopped = errors.New("background supervisor stopped")

// Task is a unit of detached work.
type Task func(ctx context.Context) error

// Config configures a Supervisor.
type Config struct {
	// Timeout bounds each task. Zero means no per-task bound.
	Timeout time.Duration

	// MaxConcurrent caps tasks in flight; further tasks wait for a slot.
	// Zero means unbounded.
	MaxConcurrent int

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Supervisor starts tasks on a context that is detached from the caller but
// cancelled by Shutdown. Panics are recovered and logged.
type Supervisor struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	sem     chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	stopped bool

	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "background"),
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return s
}

// Go starts task under name. parent contributes values (trace spans, ids)
// but not cancellation.
func (s *Supervisor) Go(parent context.Context, name string, task Task) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	s.metrics.TaskStarted()

	go func() {
		defer s.wg.Done()
		defer s.metrics.TaskFinished()

		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
				defer func() { <-s.sem }()
			case <-s.ctx.Done():
				s.logger.Warn("task dropped at shutdown", "task", name)
				return
			}
		}

		ctx, release := s.taskContext(parent)
		defer release()
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		start := time.Now()
		err := s.run(ctx, name, task)
		if err != nil {
			s.logger.Error("background task failed", "task", name, "duration", time.Since(start), "error", err)
			return
		}
		s.logger.Debug("background task finished", "task", name, "duration", time.Since(start))
	}()
	return nil
}

func (s *Supervisor) run(ctx context.Context, name string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", name, r, debug.Stack())
		}
	}()
	return task(ctx)
}

// taskContext keeps parent's values and cancels with the supervisor. The
// returned func must be called when the task returns.
func (s *Supervisor) taskContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		return context.WithCancel(s.ctx)
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Wait blocks until every started task has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones until ctx is
// done, then cancels whatever is left.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
