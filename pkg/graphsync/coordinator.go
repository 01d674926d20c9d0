// Package graphsync projects canonical codes into the graph store on a best
// effort basis. The relational ledger stays authoritative: a code that could
// not be written keeps graph_synced=false and is retried by SyncPending.
package graphsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/repositories"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Writer is one graph projection target
type Writer interface {
	Name() string
	Ping(ctx context.Context) error
	UpsertCode(ctx context.Context, code *models.CanonicalCode) error
}

// Attempt records the outcome of one writer for one code
type Attempt struct {
	Writer string `json:"writer"`
	Err    error  `json:"-"`
}

func (a Attempt) OK() bool {
	return a.Err == nil
}

var errNoWriters = errors.New("no graph writers configured")

type Config struct {
	CheckTTL         time.Duration
	WriteTimeout     time.Duration
	DefaultBatchSize int
}

func DefaultConfig() Config {
	return Config{
		CheckTTL:         30 * time.Second,
		WriteTimeout:     5 * time.Second,
		DefaultBatchSize: 100,
	}
}

// Coordinator writes promoted codes to the first writer that accepts them
type Coordinator struct {
	codes   repositories.CanonicalRepo
	writers []Writer
	logger  ectologger.Logger
	config  Config
	now     func() time.Time

	mu        sync.Mutex
	checkedAt time.Time
	available bool
}

// NewCoordinator creates a coordinator. Writers are tried in the given order.
func NewCoordinator(codes repositories.CanonicalRepo, writers []Writer, logger ectologger.Logger, config Config) *Coordinator {
	if config.CheckTTL <= 0 {
		config.CheckTTL = DefaultConfig().CheckTTL
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.DefaultBatchSize <= 0 {
		config.DefaultBatchSize = DefaultConfig().DefaultBatchSize
	}
	return &Coordinator{
		codes:   codes,
		writers: writers,
		logger:  logger,
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Available reports whether any writer answered its ping. Results are cached for CheckTTL.
func (c *Coordinator) Available(ctx context.Context) bool {
	c.mu.Lock()
	if !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < c.config.CheckTTL {
		available := c.available
		c.mu.Unlock()
		return available
	}
	c.mu.Unlock()

	available := false
	for _, w := range c.writers {
		pingCtx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
		err := w.Ping(pingCtx)
		cancel()
		if err == nil {
			available = true
			break
		}
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"writer": w.Name(),
		}).Debug("Graph writer ping failed")
	}

	c.setAvailable(available)
	return available
}

func (c *Coordinator) setAvailable(available bool) {
	c.mu.Lock()
	c.available = available
	c.checkedAt = c.now()
	c.mu.Unlock()
	metrics.RecordGraphEngine(available)
}

// write tries each writer in order and stops at the first success
func (c *Coordinator) write(ctx context.Context, code *models.CanonicalCode) []Attempt {
	if len(c.writers) == 0 {
		return []Attempt{{Writer: "none", Err: errNoWriters}}
	}

	attempts := make([]Attempt, 0, len(c.writers))
	for _, w := range c.writers {
		writeCtx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
		err := w.UpsertCode(writeCtx, code)
		cancel()

		attempts = append(attempts, Attempt{Writer: w.Name(), Err: err})
		if err == nil {
			metrics.GraphSyncTotal.WithLabelValues(w.Name(), "synced").Inc()
			return attempts
		}
		metrics.GraphSyncTotal.WithLabelValues(w.Name(), "failed").Inc()
	}
	return attempts
}

func attemptsError(attempts []Attempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		if a.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", a.Writer, a.Err))
		}
	}
	return strings.Join(parts, "; ")
}

func succeeded(attempts []Attempt) bool {
	return len(attempts) > 0 && attempts[len(attempts)-1].OK()
}

// syncOne writes a code and records the outcome on its outbox flag
func (c *Coordinator) syncOne(ctx context.Context, code *models.CanonicalCode) ([]Attempt, error) {
	attempts := c.write(ctx, code)
	now := c.now()

	if succeeded(attempts) {
		return attempts, c.codes.MarkSynced(ctx, code.ProjectID, code.ID, now)
	}

	message := attemptsError(attempts)
	if err := c.codes.MarkSyncFailed(ctx, code.ProjectID, code.ID, message, now); err != nil {
		return attempts, err
	}
	return attempts, apperrors.DependencyUnavailable("graph projection", errors.New(message)).
		With("code_id", code.ID)
}

// OnPromoted projects a freshly promoted code. It never fails the caller:
// when the graph is unavailable the code stays pending for SyncPending.
func (c *Coordinator) OnPromoted(ctx context.Context, code *models.CanonicalCode) []Attempt {
	ctx, span := tracing.StartSpan(ctx, "graphsync.Coordinator.OnPromoted")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"project_id": code.ProjectID,
		"code_id":    code.ID,
	})

	if !c.Available(ctx) {
		metrics.GraphSyncTotal.WithLabelValues("none", "deferred").Inc()
		if err := c.codes.MarkSyncFailed(ctx, code.ProjectID, code.ID, "graph engine unavailable", c.now()); err != nil {
			log.WithError(err).Error("Failed to record deferred graph sync")
		}
		log.Warn("Graph engine unavailable, code left pending sync")
		return nil
	}

	attempts, err := c.syncOne(ctx, code)
	if err != nil {
		if apperrors.IsDependencyUnavailable(err) {
			c.setAvailable(false)
		}
		log.WithError(err).Warn("Graph sync deferred")
	}
	return attempts
}

// SyncPending retries up to batchSize unsynced codes of a project
func (c *Coordinator) SyncPending(ctx context.Context, projectID string, batchSize int) (*models.SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, "graphsync.Coordinator.SyncPending")
	defer span.End()

	if batchSize <= 0 {
		batchSize = c.config.DefaultBatchSize
	}
	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"project_id": projectID,
		"batch_size": batchSize,
	})

	result := &models.SyncResult{}
	if c.Available(ctx) {
		codes, err := c.codes.ListUnsynced(ctx, projectID, batchSize)
		if err != nil {
			return nil, err
		}

		for i := range codes {
			if ctx.Err() != nil {
				break
			}
			_, err := c.syncOne(ctx, &codes[i])
			switch {
			case err == nil:
				result.Synced++
			case apperrors.IsDependencyUnavailable(err):
				result.Failed++
			default:
				return nil, err
			}
		}
		if result.Failed > 0 && result.Synced == 0 {
			c.setAvailable(false)
		}
	} else {
		log.Warn("Graph engine unavailable, skipping sync")
	}

	pending, _, err := c.codes.SyncCounts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	result.Remaining = pending

	log.WithFields(map[string]any{
		"synced":    result.Synced,
		"failed":    result.Failed,
		"remaining": result.Remaining,
	}).Info("Graph sync pass finished")
	return result, nil
}

// Status reports the sync backlog of a project
func (c *Coordinator) Status(ctx context.Context, projectID string) (*models.SyncStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "graphsync.Coordinator.Status")
	defer span.End()

	pending, synced, err := c.codes.SyncCounts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &models.SyncStatus{
		Pending:         pending,
		Synced:          synced,
		Total:           pending + synced,
		EngineAvailable: c.Available(ctx),
	}, nil
}
