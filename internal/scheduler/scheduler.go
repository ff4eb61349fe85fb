// Package scheduler triggers crawl runs on a cron cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/orbitre/listing-crawler/internal/listing"
)

// Runner starts one crawl run and blocks until it reaches a terminal
// state. The pipeline orchestrator satisfies this.
type Runner interface {
	Run(ctx context.Context) (string, error)
}

// Scheduler fires the runner at each cron tick. Ticks that land while a
// run is still active are skipped, never queued.
type Scheduler struct {
	schedule cron.Schedule
	runner   Runner
	clock    listing.Clock
	logger   *zap.Logger
}

// New parses a standard 5-field cron expression and constructs a
// Scheduler.
func New(spec string, runner Runner, clock listing.Clock, logger *zap.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return NewWithSchedule(schedule, runner, clock, logger), nil
}

// NewWithSchedule constructs a Scheduler from a prebuilt schedule
// (primarily for testing).
func NewWithSchedule(schedule cron.Schedule, runner Runner, clock listing.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{schedule: schedule, runner: runner, clock: clock, logger: logger}
}

// Start loops until ctx is canceled, sleeping until each next tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started")
	for {
		now := s.clock.Now()
		next := s.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return
		case <-timer.C:
		}

		jobID, err := s.runner.Run(ctx)
		switch {
		case errors.Is(err, listing.ErrRunInProgress):
			s.logger.Warn("skipping scheduled tick, run still active")
		case errors.Is(err, context.Canceled):
			s.logger.Info("scheduler stopped")
			return
		case err != nil:
			s.logger.Error("scheduled run failed to start", zap.Error(err))
		default:
			s.logger.Info("scheduled run finished", zap.String("job_id", jobID))
		}
	}
}
