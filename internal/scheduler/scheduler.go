// Package scheduler runs the pipeline stages on cron schedules.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner with panic recovery and context-aware jobs.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a stopped scheduler. Schedules accept the standard
// five-field cron syntax plus descriptors like "@every 30s".
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)
	return &Scheduler{cron: c}
}

// AddJob registers fn to run on the given schedule. The job is skipped once
// ctx is done.
func (s *Scheduler) AddJob(ctx context.Context, name, schedule string, fn func(context.Context) error) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if err := fn(ctx); err != nil {
			slog.Error("Scheduler: job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return 0, err
	}
	slog.Info("Scheduler.AddJob: job registered", "job", name, "schedule", schedule)
	return id, nil
}

// Start begins running jobs in their own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
