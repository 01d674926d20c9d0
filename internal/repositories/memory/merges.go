package memory

import (
	"context"
	"sort"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// MergeRepository keeps merge operations and events in memory
type MergeRepository struct {
	db *DB
}

func cloneResult(result *models.MergeResult) *models.MergeResult {
	if result == nil {
		return nil
	}
	c := *result
	c.Items = append([]models.MergeItemResult(nil), result.Items...)
	return &c
}

func (r *MergeRepository) GetOperation(_ context.Context, projectID, key string) (*models.MergeOperation, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	op, ok := r.db.data.operations[opKey(projectID, key)]
	if !ok {
		return nil, nil
	}
	op.Result = cloneResult(op.Result)
	return &op, nil
}

func (r *MergeRepository) StartOperation(ctx context.Context, op *models.MergeOperation) (bool, error) {
	defer r.db.lock(ctx)()

	k := opKey(op.ProjectID, op.IdempotencyKey)
	if _, exists := r.db.data.operations[k]; exists {
		return false, nil
	}
	r.db.data.operations[k] = *op
	return true, nil
}

func (r *MergeRepository) CompleteOperation(ctx context.Context, projectID, key string, result *models.MergeResult, at time.Time) error {
	defer r.db.lock(ctx)()

	k := opKey(projectID, key)
	op, ok := r.db.data.operations[k]
	if !ok {
		return notFound("merge operation", key)
	}
	op.Status = models.MergeOperationCompleted
	op.Result = cloneResult(result)
	op.UpdatedAt = at
	r.db.data.operations[k] = op
	return nil
}

func (r *MergeRepository) AppendEvent(ctx context.Context, e *models.MergeEvent) (bool, error) {
	defer r.db.lock(ctx)()

	if _, exists := r.db.data.mergeEvents[e.IdempotencyKey]; exists {
		return false, nil
	}
	r.db.data.mergeEvents[e.IdempotencyKey] = *e
	return true, nil
}

func (r *MergeRepository) ListEvents(_ context.Context, projectID, operationKey string) ([]models.MergeEvent, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	rows := []models.MergeEvent{}
	for _, e := range r.db.data.mergeEvents {
		if e.ProjectID == projectID && e.OperationKey == operationKey {
			rows = append(rows, e)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].IdempotencyKey < rows[j].IdempotencyKey })
	return rows, nil
}
