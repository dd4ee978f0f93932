// Package scheduler repeats collection runs on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"forecast-collector/internal/models"
	"forecast-collector/internal/services"
	"forecast-collector/pkg/logging"
)

// DefaultInterval is used when no interval is configured
const DefaultInterval = time.Hour

// Collector runs one collection pass
type Collector interface {
	CollectAll(ctx context.Context, coords []models.Coordinate) *services.CollectionResult
}

// Scheduler periodically collects forecasts for the configured locations.
// Runs never overlap: a tick that fires while a run is in progress is skipped.
type Scheduler struct {
	scheduler *gocron.Scheduler
	collector Collector
	locations []models.Coordinate
	interval  time.Duration
	logger    *logging.StructuredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	// running is held for the duration of a scheduled run.
	running sync.Mutex
}

// New creates a new Scheduler
func New(collector Collector, locations []models.Coordinate, interval time.Duration, logger *logging.StructuredLogger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		collector: collector,
		locations: locations,
		interval:  interval,
		logger:    logger,
	}
}

// Start schedules the job, with the first run right away, and returns.
// Cancelling ctx or calling Stop interrupts an in-flight run.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.locations) == 0 {
		s.logger.Warn(ctx, "[SCHEDULER] No locations configured, nothing to schedule", nil)
		return nil
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(func() {
		s.running.Lock()
		defer s.running.Unlock()
		s.RunOnce(runCtx)
	})
	if err != nil {
		cancel()
		return err
	}

	s.logger.Info(ctx, "[SCHEDULER] Scheduler started", logging.Fields{
		"interval":  s.interval.String(),
		"locations": len(s.locations),
	})

	s.scheduler.StartAsync()
	return nil
}

// RunOnce performs a single collection run over all locations
func (s *Scheduler) RunOnce(ctx context.Context) *services.CollectionResult {
	if ctx.Err() != nil {
		return nil
	}
	return s.collector.CollectAll(ctx, s.locations)
}

// Stop cancels the in-flight run, waits for it to return and stops future runs
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.scheduler.Stop()
	s.running.Lock()
	s.running.Unlock()

	s.logger.Info(context.Background(), "[SCHEDULER] Scheduler stopped", nil)
}
