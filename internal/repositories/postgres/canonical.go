package postgres

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const canonicalTable = "canonical_codes"

var canonicalColumns = []string{
	"id", "project_id", "label", "normalized_key", "created_from_candidate_id", "graph_synced",
	"sync_attempts", "last_sync_error", "synced_at", "created_at", "updated_at",
}

// CanonicalRepository handles canonical code persistence
type CanonicalRepository struct {
	base
}

func (r *CanonicalRepository) Create(ctx context.Context, code *models.CanonicalCode) (*models.CanonicalCode, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.Create")
	defer span.End()

	ib := database.NewInsertBuilder().InsertInto(canonicalTable).Cols(canonicalColumns...)
	ib.Values(code.ID, code.ProjectID, code.Label, code.NormalizedKey, code.CreatedFromCandidateID, code.GraphSynced,
		code.SyncAttempts, code.LastSyncError, code.SyncedAt, code.CreatedAt, code.UpdatedAt)
	ib.OnConflictDoNothing("created_from_candidate_id")
	query, args := ib.Build()

	var affected int64
	err := r.exec(ctx, "canonical.Create", func(q database.Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, false, r.failure(ctx, err, "failed to create canonical code", map[string]any{
			"candidate_id": code.CreatedFromCandidateID,
		})
	}
	if affected == 0 {
		existing, err := r.GetByCandidate(ctx, code.ProjectID, code.CreatedFromCandidateID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, notFound("canonical code for candidate", code.CreatedFromCandidateID)
		}
		return existing, false, nil
	}
	return code, true, nil
}

func (r *CanonicalRepository) getOne(ctx context.Context, op string, projectID, column, value string) (*models.CanonicalCode, error) {
	sb := database.NewSelectBuilder()
	sb.Select(canonicalColumns...).From(canonicalTable)
	sb.Where(sb.Equal("project_id", projectID), sb.Equal(column, value))
	sb.OrderBy("created_at").Limit(1)
	query, args := sb.Build()

	var code models.CanonicalCode
	err := r.exec(ctx, op, func(q database.Querier) error {
		return q.GetContext(ctx, &code, query, args...)
	})
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, r.failure(ctx, err, "failed to get canonical code", map[string]any{column: value})
	}
	return &code, nil
}

func (r *CanonicalRepository) Get(ctx context.Context, projectID, id string) (*models.CanonicalCode, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.Get")
	defer span.End()

	if !validID(id) {
		return nil, notFound("code", id)
	}

	code, err := r.getOne(ctx, "canonical.Get", projectID, "id", id)
	if err != nil {
		return nil, err
	}
	if code == nil {
		return nil, notFound("code", id)
	}
	return code, nil
}

func (r *CanonicalRepository) GetByCandidate(ctx context.Context, projectID, candidateID string) (*models.CanonicalCode, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.GetByCandidate")
	defer span.End()

	return r.getOne(ctx, "canonical.GetByCandidate", projectID, "created_from_candidate_id", candidateID)
}

func (r *CanonicalRepository) FindByKey(ctx context.Context, projectID, key string) (*models.CanonicalCode, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.FindByKey")
	defer span.End()

	return r.getOne(ctx, "canonical.FindByKey", projectID, "normalized_key", key)
}

func (r *CanonicalRepository) List(ctx context.Context, projectID string) ([]models.CanonicalCode, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(canonicalColumns...).From(canonicalTable)
	sb.Where(sb.Equal("project_id", projectID))
	sb.OrderBy("created_at", "id")
	query, args := sb.Build()

	return r.selectCodes(ctx, "canonical.List", projectID, query, args)
}

func (r *CanonicalRepository) selectCodes(ctx context.Context, op, projectID, query string, args []any) ([]models.CanonicalCode, error) {
	rows := []models.CanonicalCode{}
	err := r.exec(ctx, op, func(q database.Querier) error {
		return q.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, r.failure(ctx, err, "failed to list canonical codes", map[string]any{"project_id": projectID})
	}
	return rows, nil
}

func (r *CanonicalRepository) ListCatalog(ctx context.Context, projectID string) ([]models.CatalogEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.ListCatalog")
	defer span.End()

	codes, err := r.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	entries := make([]models.CatalogEntry, len(codes))
	for i, c := range codes {
		entries[i] = models.CatalogEntry{ID: c.ID, Label: c.Label, Key: c.NormalizedKey, Kind: models.CatalogKindCanonical}
	}
	return entries, nil
}

func (r *CanonicalRepository) UpdateLabel(ctx context.Context, projectID, id, label, key string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.UpdateLabel")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(canonicalTable)
	// a relabeled code must be projected again
	ub.Set(
		ub.Assign("label", label),
		ub.Assign("normalized_key", key),
		ub.Assign("graph_synced", false),
		ub.Assign("updated_at", at),
	)
	ub.Where(ub.Equal("project_id", projectID), ub.Equal("id", id))
	query, args := ub.Build()

	return r.update(ctx, "canonical.UpdateLabel", id, query, args)
}

func (r *CanonicalRepository) update(ctx context.Context, op, id, query string, args []any) error {
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
		return r.failure(ctx, err, "failed to update canonical code", map[string]any{"code_id": id})
	}
	if affected == 0 {
		return notFound("code", id)
	}
	return nil
}

var codeEventColumns = []string{"id", "code_id", "project_id", "event_type", "old_label", "new_label", "actor", "created_at"}

func (r *CanonicalRepository) AppendEvent(ctx context.Context, e *models.CanonicalCodeEvent) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.AppendEvent")
	defer span.End()

	ib := database.NewInsertBuilder().InsertInto("canonical_code_events").Cols(codeEventColumns...)
	ib.Values(e.ID, e.CodeID, e.ProjectID, e.EventType, e.OldLabel, e.NewLabel, e.Actor, e.CreatedAt)
	query, args := ib.Build()

	err := r.exec(ctx, "canonical.AppendEvent", func(q database.Querier) error {
		_, err := q.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return r.failure(ctx, err, "failed to append code event", map[string]any{"code_id": e.CodeID})
	}
	return nil
}

func (r *CanonicalRepository) ListEvents(ctx context.Context, projectID, codeID string) ([]models.CanonicalCodeEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.ListEvents")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(codeEventColumns...).From("canonical_code_events")
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("code_id", codeID))
	sb.OrderBy("created_at", "id")
	query, args := sb.Build()

	rows := []models.CanonicalCodeEvent{}
	err := r.exec(ctx, "canonical.ListEvents", func(q database.Querier) error {
		return q.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, r.failure(ctx, err, "failed to list code events", map[string]any{"code_id": codeID})
	}
	return rows, nil
}

func (r *CanonicalRepository) ListUnsynced(ctx context.Context, projectID string, limit int) ([]models.CanonicalCode, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.ListUnsynced")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(canonicalColumns...).From(canonicalTable)
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("graph_synced", false))
	sb.OrderBy("sync_attempts", "created_at").Limit(limit)
	query, args := sb.Build()

	return r.selectCodes(ctx, "canonical.ListUnsynced", projectID, query, args)
}

func (r *CanonicalRepository) MarkSynced(ctx context.Context, projectID, id string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.MarkSynced")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(canonicalTable)
	ub.Set(
		ub.Assign("graph_synced", true),
		ub.Assign("synced_at", at),
		ub.Assign("last_sync_error", nil),
		ub.Incr("sync_attempts"),
		ub.Assign("updated_at", at),
	)
	ub.Where(ub.Equal("project_id", projectID), ub.Equal("id", id))
	query, args := ub.Build()

	return r.update(ctx, "canonical.MarkSynced", id, query, args)
}

func (r *CanonicalRepository) MarkSyncFailed(ctx context.Context, projectID, id, message string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.MarkSyncFailed")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(canonicalTable)
	ub.Set(
		ub.Assign("graph_synced", false),
		ub.Assign("last_sync_error", message),
		ub.Incr("sync_attempts"),
		ub.Assign("updated_at", at),
	)
	ub.Where(ub.Equal("project_id", projectID), ub.Equal("id", id))
	query, args := ub.Build()

	return r.update(ctx, "canonical.MarkSyncFailed", id, query, args)
}

func (r *CanonicalRepository) SyncCounts(ctx context.Context, projectID string) (int, int, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.SyncCounts")
	defer span.End()

	const query = `
SELECT
	COUNT(*) FILTER (WHERE NOT graph_synced) AS pending,
	COUNT(*) FILTER (WHERE graph_synced) AS synced
FROM canonical_codes
WHERE project_id = $1`

	var counts struct {
		Pending int `db:"pending"`
		Synced  int `db:"synced"`
	}
	err := r.exec(ctx, "canonical.SyncCounts", func(q database.Querier) error {
		return q.GetContext(ctx, &counts, query, projectID)
	})
	if err != nil {
		return 0, 0, r.failure(ctx, err, "failed to count graph sync state", map[string]any{"project_id": projectID})
	}
	return counts.Pending, counts.Synced, nil
}

func (r *CanonicalRepository) ProjectsWithUnsynced(ctx context.Context, limit int) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CanonicalRepository.ProjectsWithUnsynced")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT project_id").From(canonicalTable)
	sb.Where(sb.Equal("graph_synced", false))
	sb.OrderBy("project_id").Limit(limit)
	query, args := sb.Build()

	projects := []string{}
	err := r.exec(ctx, "canonical.ProjectsWithUnsynced", func(q database.Querier) error {
		return q.SelectContext(ctx, &projects, query, args...)
	})
	if err != nil {
		return nil, r.failure(ctx, err, "failed to list projects with unsynced codes", nil)
	}
	return projects, nil
}
