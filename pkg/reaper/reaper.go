// Package reaper fails export jobs that stopped making progress, for example after a worker
// crashed between claiming a job and finishing it.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"export-service/pkg/observability"

	"github.com/robfig/cron/v3"
)

const TimeoutMessage = "export timed out"

type Store interface {
	ReapStale(ctx context.Context, cutoff, now time.Time, message string) (int64, error)
}

// Sweeper marks stale queued and processing jobs failed.
type Sweeper struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewSweeper(store Store, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With("component", "export.reaper"),
	}
}

// Sweep fails every job queued or processing for longer than staleAfter and returns how many
// jobs it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	now := s.now()
	n, err := s.store.ReapStale(ctx, now.Add(-s.staleAfter), now, TimeoutMessage)
	if err != nil {
		return 0, fmt.Errorf("reap stale export jobs: %w", err)
	}
	if n > 0 {
		observability.JobsReaped.Add(float64(n))
		s.logger.Warn("stale export jobs failed", "count", n, "stale_after", s.staleAfter)
	}
	return n, nil
}

// Scheduler runs a Sweeper on a cron schedule.
type Scheduler struct {
	sweeper  *Sweeper
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	running  bool
	logger   *slog.Logger
}

func NewScheduler(sweeper *Sweeper, schedule string) *Scheduler {
	return &Scheduler{
		sweeper:  sweeper,
		schedule: schedule,
		cron:     cron.New(),
		logger:   sweeper.logger,
	}
}

// Start schedules the sweep and stops it when ctx is done. An empty schedule disables it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("reap schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("reaper scheduler started", "schedule", s.schedule, "stale_after", s.sweeper.staleAfter)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	if _, err := s.sweeper.Sweep(ctx); err != nil {
		s.logger.Error("scheduled sweep failed", "error", err)
	}
}

// Stop stops the scheduler and waits for a running sweep.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("reaper scheduler stopped")
	}
}

// NextRun returns the next scheduled sweep, or nil when not scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
