// Package scheduler periodically retries graph projection for projects with
// codes that are still pending sync.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultPollInterval is the default interval between sync cycles
	DefaultPollInterval = time.Minute

	// DefaultLockTTL is the default TTL for per-project locks
	DefaultLockTTL = 2 * time.Minute

	// DefaultBatchSize is the number of codes synced per project per cycle
	DefaultBatchSize = 100

	// DefaultProjectLimit caps the projects visited per cycle
	DefaultProjectLimit = 50

	// LockKeyPrefix is the prefix for scheduler locks
	LockKeyPrefix = "graph-sync:project:"
)

// ProjectSource lists projects that still have unsynced codes
type ProjectSource interface {
	ProjectsWithUnsynced(ctx context.Context, limit int) ([]string, error)
}

// Syncer runs one sync pass for a project
type Syncer interface {
	SyncPending(ctx context.Context, projectID string, batchSize int) (*models.SyncResult, error)
}

// Locker runs fn while holding a named distributed lock
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// Config holds configuration for the scheduler
type Config struct {
	// PollInterval is how often to look for pending projects
	PollInterval time.Duration

	// LockTTL is how long a project lock is held at most
	LockTTL time.Duration

	// BatchSize is the maximum number of codes synced per project per cycle
	BatchSize int

	// ProjectLimit is the maximum number of projects visited per cycle
	ProjectLimit int
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		LockTTL:      DefaultLockTTL,
		BatchSize:    DefaultBatchSize,
		ProjectLimit: DefaultProjectLimit,
	}
}

// SyncScheduler drives deferred graph sync across projects
type SyncScheduler struct {
	projects ProjectSource
	syncer   Syncer
	locker   Locker
	config   Config
	logger   ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewSyncScheduler creates a new scheduler. A nil locker runs every project
// without cross-instance coordination.
func NewSyncScheduler(projects ProjectSource, syncer Syncer, locker Locker, config Config, logger ectologger.Logger) *SyncScheduler {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.ProjectLimit <= 0 {
		config.ProjectLimit = defaults.ProjectLimit
	}

	return &SyncScheduler{
		projects: projects,
		syncer:   syncer,
		locker:   locker,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// Start starts the polling loop
func (s *SyncScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting graph sync scheduler: poll_interval=%s batch_size=%d",
		s.config.PollInterval, s.config.BatchSize)

	go s.pollLoop(ctx)
	return nil
}

// Stop stops the scheduler gracefully
func (s *SyncScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Graph sync scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Graph sync scheduler shutdown timed out")
		return ctx.Err()
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *SyncScheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *SyncScheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.RunCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// CycleStats summarizes one scheduler cycle
type CycleStats struct {
	Projects int
	Synced   int
	Failed   int
	Skipped  int
}

// RunCycle syncs every pending project once
func (s *SyncScheduler) RunCycle(ctx context.Context) CycleStats {
	ctx, span := tracing.StartSpan(ctx, "scheduler.SyncScheduler.RunCycle")
	defer span.End()

	start := time.Now()
	stats := CycleStats{}

	projects, err := s.projects.ProjectsWithUnsynced(ctx, s.config.ProjectLimit)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list projects pending graph sync")
		return stats
	}
	if len(projects) == 0 {
		s.logger.WithContext(ctx).Debug("No projects pending graph sync")
		return stats
	}

	for _, projectID := range projects {
		stats.Projects++
		result, err := s.syncProject(ctx, projectID)
		if err != nil {
			if errors.Is(err, redis.ErrLockNotAcquired) {
				stats.Skipped++
				continue
			}
			s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"project_id": projectID,
			}).Warn("Graph sync failed for project")
			continue
		}
		stats.Synced += result.Synced
		stats.Failed += result.Failed
	}

	s.logger.WithContext(ctx).Infof("Graph sync cycle completed: projects=%d synced=%d failed=%d skipped=%d duration=%s",
		stats.Projects, stats.Synced, stats.Failed, stats.Skipped, time.Since(start))
	return stats
}

func (s *SyncScheduler) syncProject(ctx context.Context, projectID string) (*models.SyncResult, error) {
	ctx = appctx.SetProjectID(ctx, projectID)

	var result *models.SyncResult
	run := func() error {
		var err error
		result, err = s.syncer.SyncPending(ctx, projectID, s.config.BatchSize)
		return err
	}

	if s.locker == nil {
		return result, run()
	}
	if err := s.locker.WithLock(ctx, LockKeyPrefix+projectID, s.config.LockTTL, run); err != nil {
		return nil, err
	}
	return result, nil
}
