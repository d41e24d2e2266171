package cron

import (
	"context"
	"time"
)

// Schedule is a parsed tick schedule.
type Schedule struct {
	Kind     string // cron or every
	CronExpr string
	Every    time.Duration
	Timezone string
}

// Job is the scheduled work and its run bookkeeping.
type Job struct {
	ID       string
	Schedule Schedule

	NextRun   time.Time
	LastRun   time.Time
	LastError string
	Runs      int
}

// Runner executes one scheduled tick.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}
