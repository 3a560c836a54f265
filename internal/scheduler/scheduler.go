// Package scheduler runs periodic maintenance of the mapping journal.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const (
	DefaultPruneInterval = 10 * time.Minute
	DefaultRetention     = 24 * time.Hour
)

// Flusher writes in-memory mapping state to the journal.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Pruner deletes journaled mappings not seen since before.
type Pruner interface {
	PruneMappings(ctx context.Context, before time.Time) (int64, error)
}

// Config configures the maintenance job.
type Config struct {
	PruneInterval time.Duration
	Retention     time.Duration
	// Stats returns fields logged after each run. Optional.
	Stats func() []zap.Field
}

// Scheduler handles periodic maintenance
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	flusher   Flusher
	pruner    Pruner
	cfg       Config
	logger    *zap.Logger
	running   bool
}

// New creates a new maintenance scheduler
func New(flusher Flusher, pruner Pruner, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		scheduler: scheduler,
		flusher:   flusher,
		pruner:    pruner,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	// Overlapping runs would prune twice; skip a tick instead.
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.cfg.PruneInterval),
		gocron.NewTask(func() {
			s.RunMaintenance(ctx)
		}),
		gocron.WithName("maintenance"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create maintenance job: %w", err)
	}

	s.scheduler.Start()
	s.running = true
	return nil
}

// Stop stops the scheduler and waits for a running job to finish
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("scheduler is not running")
	}

	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}

	s.running = false
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunMaintenance flushes last-seen times, then prunes stale mappings.
func (s *Scheduler) RunMaintenance(ctx context.Context) {
	if s.flusher != nil {
		if err := s.flusher.Flush(ctx); err != nil {
			s.logger.Warn("failed to flush mappings", zap.Error(err))
		}
	}

	var pruned int64
	if s.pruner != nil {
		n, err := s.pruner.PruneMappings(ctx, time.Now().Add(-s.cfg.Retention))
		if err != nil {
			s.logger.Warn("failed to prune mappings", zap.Error(err))
		}
		pruned = n
	}

	fields := []zap.Field{zap.Int64("pruned", pruned)}
	if s.cfg.Stats != nil {
		fields = append(fields, s.cfg.Stats()...)
	}
	s.logger.Info("maintenance finished", fields...)
}
