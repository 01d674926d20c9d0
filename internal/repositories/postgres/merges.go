package postgres

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// MergeRepository stores merge operations and their audit events
type MergeRepository struct {
	base
}

type mergeOperationRow struct {
	IdempotencyKey string                              `db:"idempotency_key"`
	ProjectID      string                              `db:"project_id"`
	RequestHash    string                              `db:"request_hash"`
	Status         string                              `db:"status"`
	Result         database.JSONB[*models.MergeResult] `db:"result"`
	CreatedAt      time.Time                           `db:"created_at"`
	UpdatedAt      time.Time                           `db:"updated_at"`
}

func (r *MergeRepository) GetOperation(ctx context.Context, projectID, key string) (*models.MergeOperation, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.MergeRepository.GetOperation")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("idempotency_key", "project_id", "request_hash", "status", "result", "created_at", "updated_at")
	sb.From("merge_operations")
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("idempotency_key", key))
	query, args := sb.Build()

	var row mergeOperationRow
	err := r.exec(ctx, "merges.GetOperation", func(q database.Querier) error {
		return q.GetContext(ctx, &row, query, args...)
	})
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, r.failure(ctx, err, "failed to get merge operation", map[string]any{"idempotency_key": key})
	}

	return &models.MergeOperation{
		IdempotencyKey: row.IdempotencyKey,
		ProjectID:      row.ProjectID,
		RequestHash:    row.RequestHash,
		Status:         row.Status,
		Result:         row.Result.GetValue(),
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func (r *MergeRepository) StartOperation(ctx context.Context, op *models.MergeOperation) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.MergeRepository.StartOperation")
	defer span.End()

	ib := database.NewInsertBuilder().InsertInto("merge_operations").
		Cols("idempotency_key", "project_id", "request_hash", "status", "created_at", "updated_at")
	ib.Values(op.IdempotencyKey, op.ProjectID, op.RequestHash, op.Status, op.CreatedAt, op.UpdatedAt)
	ib.OnConflictDoNothing("project_id", "idempotency_key")
	query, args := ib.Build()

	var affected int64
	err := r.exec(ctx, "merges.StartOperation", func(q database.Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, r.failure(ctx, err, "failed to start merge operation", map[string]any{"idempotency_key": op.IdempotencyKey})
	}
	return affected == 1, nil
}

func (r *MergeRepository) CompleteOperation(ctx context.Context, projectID, key string, result *models.MergeResult, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.MergeRepository.CompleteOperation")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update("merge_operations")
	ub.Set(
		ub.Assign("status", models.MergeOperationCompleted),
		ub.Assign("result", database.NewJSONB(result)),
		ub.Assign("updated_at", at),
	)
	ub.Where(ub.Equal("project_id", projectID), ub.Equal("idempotency_key", key))
	query, args := ub.Build()

	err := r.exec(ctx, "merges.CompleteOperation", func(q database.Querier) error {
		_, err := q.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return r.failure(ctx, err, "failed to complete merge operation", map[string]any{"idempotency_key": key})
	}
	return nil
}

var mergeEventColumns = []string{
	"id", "project_id", "from_candidate_id", "to_target_id", "idempotency_key", "operation_key", "actor", "reason", "created_at",
}

func (r *MergeRepository) AppendEvent(ctx context.Context, e *models.MergeEvent) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.MergeRepository.AppendEvent")
	defer span.End()

	ib := database.NewInsertBuilder().InsertInto("merge_events").Cols(mergeEventColumns...)
	ib.Values(e.ID, e.ProjectID, e.FromCandidateID, e.ToTargetID, e.IdempotencyKey, e.OperationKey, e.Actor, e.Reason, e.CreatedAt)
	ib.OnConflictDoNothing("idempotency_key")
	query, args := ib.Build()

	var affected int64
	err := r.exec(ctx, "merges.AppendEvent", func(q database.Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, r.failure(ctx, err, "failed to append merge event", map[string]any{"idempotency_key": e.IdempotencyKey})
	}
	return affected == 1, nil
}

func (r *MergeRepository) ListEvents(ctx context.Context, projectID, operationKey string) ([]models.MergeEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.MergeRepository.ListEvents")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(mergeEventColumns...).From("merge_events")
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("operation_key", operationKey))
	sb.OrderBy("created_at", "id")
	query, args := sb.Build()

	rows := []models.MergeEvent{}
	err := r.exec(ctx, "merges.ListEvents", func(q database.Querier) error {
		return q.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, r.failure(ctx, err, "failed to list merge events", map[string]any{"operation_key": operationKey})
	}
	return rows, nil
}
