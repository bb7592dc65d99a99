// Package sched runs the engine's periodic jobs. Each job gets its own
// ticker loop; jobs are idempotent handlers that own whatever mutual
// exclusion they need (the materializer's per-period lock, the
// aggregator's upsert), so the scheduler never assumes exclusive
// execution.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one periodic task.
type Job struct {
	Name  string
	Every time.Duration
	// RunOnStart fires the job once immediately instead of waiting a
	// full interval.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler drives a set of jobs until its context is cancelled.
type Scheduler struct {
	jobs []Job
	wg   sync.WaitGroup
}

// New creates a Scheduler for the given jobs.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

// Start launches one goroutine per job. It returns immediately; call Wait
// after cancelling the context to drain in-flight runs.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.runLoop(ctx, job)
		}(job)
	}
}

// Wait blocks until all job loops have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	slog.Info("job scheduled", "job", job.Name, "every", job.Every.String())

	if job.RunOnStart {
		s.runOnce(ctx, job)
	}

	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("job stopped", "job", job.Name)
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("job failed", "job", job.Name, "err", err, "elapsed", time.Since(start).String())
		return
	}
	slog.Debug("job completed", "job", job.Name, "elapsed", time.Since(start).String())
}
