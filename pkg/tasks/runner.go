// Package tasks runs persisted background scans. Task state lives in the
// database, so any instance can report on a task another instance runs.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/appctx"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultWorkerCount    = 2
	DefaultPollInterval   = 5 * time.Second
	DefaultPollBatchSize  = 10
	DefaultAuditThreshold = 0.80
	DefaultStaleAfter     = 10 * time.Minute
)

// CatalogSource lists the labels an audit compares
type CatalogSource interface {
	Catalog(ctx context.Context, projectID string) ([]models.CatalogEntry, error)
}

// Auditor runs the pairwise catalog scan
type Auditor interface {
	Audit(ctx context.Context, projectID string, catalog []models.CatalogEntry, threshold float64) (*models.AuditReport, error)
}

type Config struct {
	WorkerCount    int
	PollInterval   time.Duration
	PollBatchSize  int
	AuditThreshold float64
	// StaleAfter is how long a running task may go without a heartbeat before
	// it is queued again.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		WorkerCount:    DefaultWorkerCount,
		PollInterval:   DefaultPollInterval,
		PollBatchSize:  DefaultPollBatchSize,
		AuditThreshold: DefaultAuditThreshold,
		StaleAfter:     DefaultStaleAfter,
	}
}

// Runner queues audit tasks and executes them on a worker pool
type Runner struct {
	tasks   repositories.TaskRepo
	catalog CatalogSource
	auditor Auditor
	config  Config
	logger  ectologger.Logger
	now     func() time.Time

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan string

	running bool
	mu      sync.RWMutex
}

// NewRunner creates a task runner
func NewRunner(
	tasks repositories.TaskRepo,
	catalog CatalogSource,
	auditor Auditor,
	config Config,
	logger ectologger.Logger,
) *Runner {
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultWorkerCount
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.PollBatchSize <= 0 {
		config.PollBatchSize = DefaultPollBatchSize
	}
	if config.AuditThreshold <= 0 || config.AuditThreshold > 1 {
		config.AuditThreshold = DefaultAuditThreshold
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}

	return &Runner{
		tasks:    tasks,
		catalog:  catalog,
		auditor:  auditor,
		config:   config,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan string, config.PollBatchSize*2),
	}
}

// StartAudit persists a queued Post-Hoc audit owned by ownerID and returns it
// without waiting for the scan.
func (r *Runner) StartAudit(ctx context.Context, projectID, ownerID string, threshold *float64) (*models.ScanTask, error) {
	ctx, span := tracing.StartSpan(ctx, "tasks.Runner.StartAudit")
	defer span.End()

	t := r.config.AuditThreshold
	if threshold != nil {
		if *threshold <= 0 || *threshold > 1 {
			return nil, apperrors.Validation("threshold must be in (0, 1]")
		}
		t = *threshold
	}
	params, err := json.Marshal(models.AuditParams{Threshold: t})
	if err != nil {
		return nil, err
	}

	now := r.now()
	task := &models.ScanTask{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Kind:      models.TaskKindAudit,
		OwnerID:   ownerID,
		Status:    models.TaskQueued,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"project_id": projectID,
		"task_id":    task.ID,
		"threshold":  t,
	}).Info("Audit task queued")

	// wake a local worker; other instances find it by polling
	if r.IsRunning() {
		select {
		case r.jobsCh <- task.ID:
		default:
		}
	}
	return task, nil
}

// GetTask returns the task to its owner or an admin. Anyone else gets
// NotFound so task ids cannot be enumerated.
func (r *Runner) GetTask(ctx context.Context, taskID string) (*models.ScanTask, error) {
	ctx, span := tracing.StartSpan(ctx, "tasks.Runner.GetTask")
	defer span.End()

	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != appctx.GetUserID(ctx) && !appctx.IsAdmin(ctx) {
		return nil, apperrors.NotFound("task %s not found", taskID).With("task_id", taskID)
	}
	return task, nil
}

// Start launches the poll loop and workers
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("task runner already running")
	}
	r.running = true
	r.mu.Unlock()

	r.logger.WithContext(ctx).Infof("Starting task runner: workers=%d poll=%s", r.config.WorkerCount, r.config.PollInterval)

	var wg sync.WaitGroup
	for i := 0; i < r.config.WorkerCount; i++ {
		wg.Add(1)
		go r.worker(ctx, &wg, i)
	}

	wg.Add(1)
	go r.pollLoop(ctx, &wg)

	go func() {
		<-r.stopCh
		wg.Wait()
		close(r.stoppedC)
	}()
	return nil
}

// Stop waits for in-flight tasks to finish or ctx to expire
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)

	select {
	case <-r.stoppedC:
		r.logger.WithContext(ctx).Info("Task runner stopped gracefully")
	case <-ctx.Done():
		r.logger.WithContext(ctx).Warn("Task runner shutdown timed out")
		return ctx.Err()
	}
	return nil
}

func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Runner) pollLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		r.requeueStale(ctx)
		r.enqueueQueued(ctx)
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// requeueStale hands tasks orphaned by a crashed worker back to the queue
func (r *Runner) requeueStale(ctx context.Context) {
	n, err := r.tasks.RequeueStale(ctx, r.now().Add(-r.config.StaleAfter), r.now())
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to requeue stale tasks")
		return
	}
	if n > 0 {
		r.logger.WithContext(ctx).WithField("count", n).Warn("Requeued stale tasks")
	}
}

func (r *Runner) enqueueQueued(ctx context.Context) {
	queued, err := r.tasks.ListQueued(ctx, r.config.PollBatchSize)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to list queued tasks")
		return
	}
	for _, t := range queued {
		select {
		case r.jobsCh <- t.ID:
		case <-r.stopCh:
			return
		default:
			// workers are busy; the next poll picks it up
			return
		}
	}
}

func (r *Runner) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	r.logger.WithContext(ctx).Debugf("Task worker %d started", id)
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case taskID := <-r.jobsCh:
			if err := r.RunTask(ctx, taskID); err != nil {
				r.logger.WithContext(ctx).WithError(err).Warnf("Task %s failed", taskID)
			}
		}
	}
}

// RunTask claims and executes one queued task. A task already claimed by
// another worker is left alone.
func (r *Runner) RunTask(ctx context.Context, taskID string) error {
	ctx, span := tracing.StartSpan(ctx, "tasks.Runner.RunTask")
	defer span.End()

	claimed, err := r.tasks.Claim(ctx, taskID, r.now())
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"project_id": task.ProjectID,
		"task_id":    task.ID,
		"kind":       task.Kind,
	})

	stopHeartbeat := r.heartbeat(ctx, task.ID)
	result, runErr := r.execute(ctx, task)
	stopHeartbeat()
	if runErr != nil {
		metrics.TasksTotal.WithLabelValues(task.Kind, string(models.TaskFailed)).Inc()
		log.WithError(runErr).Warn("Task failed")
		return r.tasks.Fail(ctx, task.ID, runErr.Error(), r.now())
	}

	metrics.TasksTotal.WithLabelValues(task.Kind, string(models.TaskCompleted)).Inc()
	log.Info("Task completed")
	return r.tasks.Complete(ctx, task.ID, result, r.now())
}

// heartbeat renews the task lease until the returned func is called
func (r *Runner) heartbeat(ctx context.Context, taskID string) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.config.StaleAfter / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := r.tasks.Heartbeat(ctx, taskID, r.now()); err != nil {
					r.logger.WithContext(ctx).WithError(err).Warnf("Task %s heartbeat failed", taskID)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (r *Runner) execute(ctx context.Context, task *models.ScanTask) (json.RawMessage, error) {
	if task.Kind != models.TaskKindAudit {
		return nil, apperrors.Validation("unknown task kind %q", task.Kind)
	}

	var params models.AuditParams
	if len(task.Params) > 0 {
		if err := json.Unmarshal(task.Params, &params); err != nil {
			return nil, apperrors.Validation("invalid audit params: %v", err)
		}
	}
	if params.Threshold <= 0 {
		params.Threshold = r.config.AuditThreshold
	}

	catalog, err := r.catalog.Catalog(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := r.checkpoint(ctx, task.ID, models.AuditCheckpoint{Stage: "scanning", CatalogSize: len(catalog)}); err != nil {
		return nil, err
	}

	report, err := r.auditor.Audit(ctx, task.ProjectID, catalog, params.Threshold)
	if err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

func (r *Runner) checkpoint(ctx context.Context, taskID string, cp models.AuditCheckpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return r.tasks.Checkpoint(ctx, taskID, raw, r.now())
}
