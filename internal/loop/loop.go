// Package loop runs a periodic task with a non-overlap guard. A tick that
// fires while the previous pass is still running is skipped, never queued,
// and cancellation is observed only between passes so an in-flight atomic
// unit can finish.
package loop

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one pass of a periodic job. Errors are logged and do not stop
// the loop.
type Task func(ctx context.Context) error

// Runner schedules a named task at a fixed interval.
type Runner struct {
	name     string
	interval time.Duration
	task     Task
	logger   *zap.Logger

	running atomic.Bool
}

// NewRunner builds a runner; an immediate first pass fires before the
// ticker cadence starts.
func NewRunner(name string, interval time.Duration, task Task, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("loop stopped", zap.String("loop", r.name))
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Warn("previous pass still running, skipping tick", zap.String("loop", r.name))
		return
	}
	defer r.running.Store(false)

	if err := r.task(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("pass failed", zap.String("loop", r.name), zap.Error(err))
	}
}
