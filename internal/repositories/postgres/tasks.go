package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const taskTable = "scan_tasks"

var taskColumns = []string{
	"id", "project_id", "kind", "owner_id", "status", "params", "checkpoint", "result", "error", "created_at", "updated_at",
}

// TaskRepository persists background scan tasks
type TaskRepository struct {
	base
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (r *TaskRepository) Create(ctx context.Context, t *models.ScanTask) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.TaskRepository.Create")
	defer span.End()

	ib := database.NewInsertBuilder().InsertInto(taskTable).Cols(taskColumns...)
	ib.Values(t.ID, t.ProjectID, t.Kind, t.OwnerID, t.Status, jsonArg(t.Params), jsonArg(t.Checkpoint),
		jsonArg(t.Result), t.Error, t.CreatedAt, t.UpdatedAt)
	query, args := ib.Build()

	err := r.exec(ctx, "tasks.Create", func(q database.Querier) error {
		_, err := q.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return r.failure(ctx, err, "failed to create task", map[string]any{"task_id": t.ID})
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*models.ScanTask, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.TaskRepository.Get")
	defer span.End()

	if !validID(id) {
		return nil, notFound("task", id)
	}

	sb := database.NewSelectBuilder()
	sb.Select(taskColumns...).From(taskTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var t models.ScanTask
	err := r.exec(ctx, "tasks.Get", func(q database.Querier) error {
		return q.GetContext(ctx, &t, query, args...)
	})
	if isNoRows(err) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, r.failure(ctx, err, "failed to get task", map[string]any{"task_id": id})
	}
	return &t, nil
}

func (r *TaskRepository) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.TaskRepository.Claim")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(taskTable)
	ub.Set(ub.Assign("status", models.TaskRunning), ub.Assign("updated_at", at))
	ub.Where(ub.Equal("id", id), ub.Equal("status", models.TaskQueued))
	query, args := ub.Build()

	return r.updateTask(ctx, "tasks.Claim", id, query, args)
}

func (r *TaskRepository) Checkpoint(ctx context.Context, id string, checkpoint json.RawMessage, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.TaskRepository.Checkpoint")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(taskTable)
	ub.Set(ub.Assign("checkpoint", jsonArg(checkpoint)), ub.Assign("updated_at", at))
	ub.Where(ub.Equal("id", id))
	query, args := ub.Build()

	_, err := r.updateTask(ctx, "tasks.Checkpoint", id, query, args)
	return err
}

func (r *TaskRepository) Complete(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.TaskRepository.Complete")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(taskTable)
	ub.Set(ub.Assign("status", models.TaskCompleted), ub.Assign("result", jsonArg(result)), ub.Assign("updated_at", at))
	ub.Where(ub.Equal("id", id))
	query, args := ub.Build()

	_, err := r.updateTask(ctx, "tasks.Complete", id, query, args)
	return err
}

func (r *TaskRepository) Fail(ctx context.Context, id string, message string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.TaskRepository.Fail")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(taskTable)
	ub.Set(ub.Assign("status", models.TaskFailed), ub.Assign("error", message), ub.Assign("updated_at", at))
	ub.Where(ub.Equal("id", id))
	query, args := ub.Build()

	_, err := r.updateTask(ctx, "tasks.Fail", id, query, args)
	return err
}

func (r *TaskRepository) Heartbeat(ctx context.Context, id string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.TaskRepository.Heartbeat")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(taskTable)
	ub.Set(ub.Assign("updated_at", at))
	ub.Where(ub.Equal("id", id), ub.Equal("status", models.TaskRunning))
	query, args := ub.Build()

	_, err := r.updateTask(ctx, "tasks.Heartbeat", id, query, args)
	return err
}

func (r *TaskRepository) RequeueStale(ctx context.Context, cutoff, at time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.TaskRepository.RequeueStale")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(taskTable)
	ub.Set(ub.Assign("status", models.TaskQueued), ub.Assign("updated_at", at))
	ub.Where(ub.Equal("status", models.TaskRunning), ub.LessThan("updated_at", cutoff))
	query, args := ub.Build()

	var affected int64
	err := r.exec(ctx, "tasks.RequeueStale", func(q database.Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, r.failure(ctx, err, "failed to requeue stale tasks", nil)
	}
	return affected, nil
}

func (r *TaskRepository) updateTask(ctx context.Context, op, id, query string, args []any) (bool, error) {
	var affected int64
	err := r.exec(ctx, op, func(q database.Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, r.failure(ctx, err, "failed to update task", map[string]any{"task_id": id})
	}
	return affected == 1, nil
}

func (r *TaskRepository) ListQueued(ctx context.Context, limit int) ([]models.ScanTask, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.TaskRepository.ListQueued")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(taskColumns...).From(taskTable)
	sb.Where(sb.Equal("status", models.TaskQueued))
	sb.OrderBy("created_at").Limit(limit)
	query, args := sb.Build()

	rows := []models.ScanTask{}
	err := r.exec(ctx, "tasks.ListQueued", func(q database.Querier) error {
		return q.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, r.failure(ctx, err, "failed to list queued tasks", nil)
	}
	return rows, nil
}
