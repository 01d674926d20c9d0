package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// TaskRepository keeps scan tasks in memory
type TaskRepository struct {
	db *DB
}

func cloneTask(t models.ScanTask) models.ScanTask {
	t.Params = cloneRaw(t.Params)
	t.Checkpoint = cloneRaw(t.Checkpoint)
	t.Result = cloneRaw(t.Result)
	return t
}

func (r *TaskRepository) Create(ctx context.Context, t *models.ScanTask) error {
	defer r.db.lock(ctx)()

	r.db.data.tasks[t.ID] = cloneTask(*t)
	return nil
}

func (r *TaskRepository) Get(_ context.Context, id string) (*models.ScanTask, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	t, ok := r.db.data.tasks[id]
	if !ok {
		return nil, notFound("task", id)
	}
	t = cloneTask(t)
	return &t, nil
}

func (r *TaskRepository) mutate(ctx context.Context, id string, fn func(*models.ScanTask) bool) (bool, error) {
	defer r.db.lock(ctx)()

	t, ok := r.db.data.tasks[id]
	if !ok {
		return false, notFound("task", id)
	}
	if !fn(&t) {
		return false, nil
	}
	r.db.data.tasks[id] = t
	return true, nil
}

func (r *TaskRepository) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.mutate(ctx, id, func(t *models.ScanTask) bool {
		if t.Status != models.TaskQueued {
			return false
		}
		t.Status = models.TaskRunning
		t.UpdatedAt = at
		return true
	})
}

func (r *TaskRepository) Checkpoint(ctx context.Context, id string, checkpoint json.RawMessage, at time.Time) error {
	_, err := r.mutate(ctx, id, func(t *models.ScanTask) bool {
		t.Checkpoint = cloneRaw(checkpoint)
		t.UpdatedAt = at
		return true
	})
	return err
}

func (r *TaskRepository) Complete(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	_, err := r.mutate(ctx, id, func(t *models.ScanTask) bool {
		t.Status = models.TaskCompleted
		t.Result = cloneRaw(result)
		t.UpdatedAt = at
		return true
	})
	return err
}

func (r *TaskRepository) Fail(ctx context.Context, id string, message string, at time.Time) error {
	_, err := r.mutate(ctx, id, func(t *models.ScanTask) bool {
		t.Status = models.TaskFailed
		t.Error = &message
		t.UpdatedAt = at
		return true
	})
	return err
}

func (r *TaskRepository) ListQueued(_ context.Context, limit int) ([]models.ScanTask, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	rows := []models.ScanTask{}
	for _, t := range r.db.data.tasks {
		if t.Status == models.TaskQueued {
			rows = append(rows, cloneTask(t))
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *TaskRepository) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := r.mutate(ctx, id, func(t *models.ScanTask) bool {
		if t.Status != models.TaskRunning {
			return false
		}
		t.UpdatedAt = at
		return true
	})
	return err
}

func (r *TaskRepository) RequeueStale(ctx context.Context, cutoff, at time.Time) (int64, error) {
	defer r.db.lock(ctx)()

	var n int64
	for id, t := range r.db.data.tasks {
		if t.Status == models.TaskRunning && t.UpdatedAt.Before(cutoff) {
			t.Status = models.TaskQueued
			t.UpdatedAt = at
			r.db.data.tasks[id] = t
			n++
		}
	}
	return n, nil
}
