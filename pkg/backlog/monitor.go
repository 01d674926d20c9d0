// Package backlog computes review backlog health and gates producer runs on it
package backlog

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/repositories"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultThresholdDays  = 3
	DefaultThresholdCount = 50
	DefaultWindow         = 30 * 24 * time.Hour
)

type Config struct {
	ThresholdDays  int
	ThresholdCount int
	// Window is the trailing period averaged for resolution time.
	Window time.Duration
}

func DefaultConfig() Config {
	return Config{
		ThresholdDays:  DefaultThresholdDays,
		ThresholdCount: DefaultThresholdCount,
		Window:         DefaultWindow,
	}
}

// Thresholds overrides the configured limits for one query. Nil keeps the
// configured value; zero is a valid limit.
type Thresholds struct {
	Days  *int
	Count *int
}

type Monitor struct {
	candidates repositories.CandidateRepo
	logger     ectologger.Logger
	config     Config
	now        func() time.Time
}

func NewMonitor(candidates repositories.CandidateRepo, logger ectologger.Logger, config Config) *Monitor {
	defaults := DefaultConfig()
	if config.ThresholdDays <= 0 {
		config.ThresholdDays = defaults.ThresholdDays
	}
	if config.ThresholdCount <= 0 {
		config.ThresholdCount = defaults.ThresholdCount
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	return &Monitor{
		candidates: candidates,
		logger:     logger,
		config:     config,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Health computes a backlog snapshot for a project. Nothing is stored.
func (m *Monitor) Health(ctx context.Context, projectID string, overrides Thresholds) (*models.BacklogSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "backlog.Monitor.Health")
	defer span.End()

	days, count := m.config.ThresholdDays, m.config.ThresholdCount
	if overrides.Days != nil {
		days = *overrides.Days
	}
	if overrides.Count != nil {
		count = *overrides.Count
	}
	if days < 0 || count < 0 {
		return nil, apperrors.Validation("backlog thresholds cannot be negative")
	}

	now := m.now()
	stats, err := m.candidates.BacklogStats(ctx, projectID, now.Add(-m.config.Window))
	if err != nil {
		return nil, err
	}

	snapshot := &models.BacklogSnapshot{
		ProjectID:            projectID,
		PendingCount:         stats.PendingCount + stats.HypothesisCount,
		HypothesisCount:      stats.HypothesisCount,
		OldestPendingAt:      stats.OldestOpenAt,
		AvgResolutionSeconds: stats.AvgResolutionSec,
		ResolvedInWindow:     stats.ResolvedCount,
		ThresholdDays:        days,
		ThresholdCount:       count,
		Alerts:               []string{},
		ComputedAt:           now,
	}

	var age time.Duration
	if stats.OldestOpenAt != nil {
		age = now.Sub(*stats.OldestOpenAt)
		if age < 0 {
			age = 0
		}
		snapshot.OldestPendingAgeSeconds = age.Seconds()
	}

	if snapshot.PendingCount > count {
		snapshot.Alerts = append(snapshot.Alerts,
			fmt.Sprintf("backlog saturated: %d pending (max %d)", snapshot.PendingCount, count))
	}
	if age > time.Duration(days)*24*time.Hour {
		snapshot.Alerts = append(snapshot.Alerts,
			fmt.Sprintf("backlog stale: oldest pending is %.1f days old (max %d)", age.Hours()/24, days))
	}
	snapshot.IsHealthy = len(snapshot.Alerts) == 0

	metrics.RecordBacklog(projectID, snapshot.PendingCount, snapshot.IsHealthy)
	return snapshot, nil
}

// Gate refuses a producer run while the project backlog is unhealthy
func (m *Monitor) Gate(ctx context.Context, projectID string) error {
	snapshot, err := m.Health(ctx, projectID, Thresholds{})
	if err != nil {
		return err
	}
	if snapshot.IsHealthy {
		return nil
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"project_id":    projectID,
		"pending_count": snapshot.PendingCount,
		"alerts":        snapshot.Alerts,
	}).Warn("Producer run blocked by backlog gate")

	return apperrors.BacklogBlocked("producer run blocked: %s", snapshot.Alerts[0]).
		With("project_id", projectID).
		With("pending_count", fmt.Sprint(snapshot.PendingCount))
}
