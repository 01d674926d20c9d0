package postgres

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const candidateTable = "candidate_codes"

var candidateColumns = []string{
	"id", "project_id", "label", "normalized_key", "source", "source_detail", "confidence", "state",
	"merge_target_id", "memo", "requires_sampling", "resolved_by", "resolved_at", "created_at", "updated_at",
}

// CandidateRepository handles candidate code persistence
type CandidateRepository struct {
	base
}

func (r *CandidateRepository) Create(ctx context.Context, c *models.CandidateCode) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.CandidateRepository.Create")
	defer span.End()

	ib := database.NewInsertBuilder().InsertInto(candidateTable).Cols(candidateColumns...)
	ib.Values(c.ID, c.ProjectID, c.Label, c.NormalizedKey, c.Source, c.SourceDetail, c.Confidence, c.State,
		c.MergeTargetID, c.Memo, c.RequiresSampling, c.ResolvedBy, c.ResolvedAt, c.CreatedAt, c.UpdatedAt)
	query, args := ib.Build()

	err := r.exec(ctx, "candidates.Create", func(q database.Querier) error {
		_, err := q.ExecContext(ctx, query, args...)
		return err
	})
	if database.IsUniqueViolation(err) {
		return repositories.ErrOpenKeyTaken
	}
	if err != nil {
		return r.failure(ctx, err, "failed to create candidate", map[string]any{"candidate_id": c.ID})
	}
	return nil
}

func (r *CandidateRepository) Get(ctx context.Context, projectID, id string) (*models.CandidateCode, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CandidateRepository.Get")
	defer span.End()

	if !validID(id) {
		return nil, notFound("candidate", id)
	}

	sb := database.NewSelectBuilder()
	sb.Select(candidateColumns...).From(candidateTable)
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("id", id))
	query, args := sb.Build()

	var c models.CandidateCode
	err := r.exec(ctx, "candidates.Get", func(q database.Querier) error {
		return q.GetContext(ctx, &c, query, args...)
	})
	if isNoRows(err) {
		return nil, notFound("candidate", id)
	}
	if err != nil {
		return nil, r.failure(ctx, err, "failed to get candidate", map[string]any{"candidate_id": id})
	}

	if err := r.attachEvidence(ctx, projectID, []*models.CandidateCode{&c}); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CandidateRepository) GetMany(ctx context.Context, projectID string, ids []string) (map[string]*models.CandidateCode, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CandidateRepository.GetMany")
	defer span.End()

	result := make(map[string]*models.CandidateCode, len(ids))
	ids = validIDs(ids)
	if len(ids) == 0 {
		return result, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(candidateColumns...).From(candidateTable)
	sb.Where(sb.Equal("project_id", projectID), sb.In("id", database.AnySlice(ids)...))
	query, args := sb.Build()

	var rows []models.CandidateCode
	err := r.exec(ctx, "candidates.GetMany", func(q database.Querier) error {
		return q.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, r.failure(ctx, err, "failed to get candidates", map[string]any{"count": len(ids)})
	}

	ptrs := make([]*models.CandidateCode, len(rows))
	for i := range rows {
		ptrs[i] = &rows[i]
		result[rows[i].ID] = &rows[i]
	}
	if err := r.attachEvidence(ctx, projectID, ptrs); err != nil {
		return nil, err
	}
	return result, nil
}

// Lock selects FOR UPDATE. Outside a transaction the locks end with the
// statement.
func (r *CandidateRepository) Lock(ctx context.Context, projectID string, ids ...string) (map[string]*models.CandidateCode, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CandidateRepository.Lock")
	defer span.End()

	result := make(map[string]*models.CandidateCode, len(ids))
	ids = validIDs(ids)
	if len(ids) == 0 {
		return result, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(candidateColumns...).From(candidateTable)
	sb.Where(sb.Equal("project_id", projectID), sb.In("id", database.AnySlice(ids)...))
	sb.OrderBy("id").ForUpdate()
	query, args := sb.Build()

	var rows []models.CandidateCode
	err := r.exec(ctx, "candidates.Lock", func(q database.Querier) error {
		return q.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, r.failure(ctx, err, "failed to lock candidates", map[string]any{"count": len(ids)})
	}
	for i := range rows {
		result[rows[i].ID] = &rows[i]
	}
	return result, nil
}

func (r *CandidateRepository) FindByKey(ctx context.Context, projectID, key string, states ...models.State) ([]models.CandidateCode, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CandidateRepository.FindByKey")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(candidateColumns...).From(candidateTable)
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("normalized_key", key))
	if len(states) > 0 {
		sb.Where(sb.In("state", database.AnySlice(states)...))
	}
	sb.OrderBy("created_at", "id")
	query, args := sb.Build()

	return r.selectWithEvidence(ctx, "candidates.FindByKey", projectID, query, args)
}

func (r *CandidateRepository) List(ctx context.Context, projectID string, filter models.CandidateFilter) ([]models.CandidateCode, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CandidateRepository.List")
	defer span.End()

	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}

	sb := database.NewSelectBuilder()
	sb.Select(candidateColumns...).From(candidateTable)
	sb.Where(sb.Equal("project_id", projectID))
	if filter.State != "" {
		sb.Where(sb.Equal("state", filter.State))
	}
	sb.OrderBy("created_at", "id").Limit(filter.Limit).Offset(filter.Offset)
	query, args := sb.Build()

	return r.selectWithEvidence(ctx, "candidates.List", projectID, query, args)
}

func (r *CandidateRepository) selectWithEvidence(ctx context.Context, op, projectID, query string, args []any) ([]models.CandidateCode, error) {
	rows := []models.CandidateCode{}
	err := r.exec(ctx, op, func(q database.Querier) error {
		return q.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, r.failure(ctx, err, "failed to list candidates", map[string]any{"project_id": projectID})
	}

	ptrs := make([]*models.CandidateCode, len(rows))
	for i := range rows {
		ptrs[i] = &rows[i]
	}
	if err := r.attachEvidence(ctx, projectID, ptrs); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CandidateRepository) attachEvidence(ctx context.Context, projectID string, candidates []*models.CandidateCode) error {
	if len(candidates) == 0 {
		return nil
	}
	ids := make([]string, len(candidates))
	byID := make(map[string]*models.CandidateCode, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
		c.Evidence = []models.Evidence{}
		byID[c.ID] = c
	}

	evidence, err := listEvidence(ctx, &r.base, projectID, ids)
	if err != nil {
		return err
	}
	for _, e := range evidence {
		if c, ok := byID[e.CandidateID]; ok {
			c.Evidence = append(c.Evidence, e)
		}
	}
	return nil
}

type catalogRow struct {
	ID    string       `db:"id"`
	Label string       `db:"label"`
	Key   string       `db:"normalized_key"`
	State models.State `db:"state"`
}

func (r *CandidateRepository) ListCatalog(ctx context.Context, projectID string, states ...models.State) ([]models.CatalogEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CandidateRepository.ListCatalog")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "label", "normalized_key", "state").From(candidateTable)
	sb.Where(sb.Equal("project_id", projectID))
	if len(states) > 0 {
		sb.Where(sb.In("state", database.AnySlice(states)...))
	}
	sb.OrderBy("created_at", "id")
	query, args := sb.Build()

	var rows []catalogRow
	err := r.exec(ctx, "candidates.ListCatalog", func(q database.Querier) error {
		return q.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, r.failure(ctx, err, "failed to list candidate catalog", map[string]any{"project_id": projectID})
	}

	entries := make([]models.CatalogEntry, len(rows))
	for i, row := range rows {
		entries[i] = models.CatalogEntry{ID: row.ID, Label: row.Label, Key: row.Key, State: row.State, Kind: models.CatalogKindCandidate}
	}
	return entries, nil
}

func (r *CandidateRepository) Transition(ctx context.Context, u repositories.TransitionUpdate) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CandidateRepository.Transition")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(candidateTable)
	assignments := []string{
		ub.Assign("state", u.To),
		ub.Assign("resolved_by", u.Actor),
		ub.Assign("resolved_at", u.At),
		ub.Assign("updated_at", u.At),
	}
	if u.Memo != nil {
		assignments = append(assignments, ub.Assign("memo", *u.Memo))
	}
	if u.To == models.StateMerged {
		assignments = append(assignments, ub.Assign("merge_target_id", u.MergeTargetID))
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("project_id", u.ProjectID), ub.Equal("id", u.ID), ub.Equal("state", u.From))
	query, args := ub.Build()

	var affected int64
	err := r.exec(ctx, "candidates.Transition", func(q database.Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, r.failure(ctx, err, "failed to transition candidate", map[string]any{
			"candidate_id": u.ID,
			"from_state":   u.From,
			"to_state":     u.To,
		})
	}
	return affected == 1, nil
}

func (r *CandidateRepository) RepointMergeTargets(ctx context.Context, projectID, fromID, toID string, at time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CandidateRepository.RepointMergeTargets")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(candidateTable)
	ub.Set(ub.Assign("merge_target_id", toID), ub.Assign("updated_at", at))
	ub.Where(ub.Equal("project_id", projectID), ub.Equal("merge_target_id", fromID), ub.Equal("state", models.StateMerged))
	query, args := ub.Build()

	var affected int64
	err := r.exec(ctx, "candidates.RepointMergeTargets", func(q database.Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, r.failure(ctx, err, "failed to repoint merge targets", map[string]any{"from_id": fromID, "to_id": toID})
	}
	return affected, nil
}

const openStatsQuery = `
SELECT
	COUNT(*) FILTER (WHERE state = 'pending') AS pending_count,
	COUNT(*) FILTER (WHERE state = 'hypothesis') AS hypothesis_count,
	MIN(created_at) FILTER (WHERE state IN ('pending', 'hypothesis')) AS oldest_open_at
FROM candidate_codes
WHERE project_id = $1`

const resolutionStatsQuery = `
SELECT
	COUNT(*) AS resolved_count,
	COALESCE(AVG(EXTRACT(EPOCH FROM (resolved_at - created_at))), 0) AS avg_resolution_sec
FROM candidate_codes
WHERE project_id = $1
	AND state IN ('validated', 'rejected', 'merged')
	AND resolved_at >= $2`

func (r *CandidateRepository) BacklogStats(ctx context.Context, projectID string, resolvedSince time.Time) (*models.BacklogStats, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.CandidateRepository.BacklogStats")
	defer span.End()

	var open struct {
		PendingCount    int        `db:"pending_count"`
		HypothesisCount int        `db:"hypothesis_count"`
		OldestOpenAt    *time.Time `db:"oldest_open_at"`
	}
	var resolved struct {
		ResolvedCount    int     `db:"resolved_count"`
		AvgResolutionSec float64 `db:"avg_resolution_sec"`
	}

	err := r.exec(ctx, "candidates.BacklogStats", func(q database.Querier) error {
		if err := q.GetContext(ctx, &open, openStatsQuery, projectID); err != nil {
			return err
		}
		return q.GetContext(ctx, &resolved, resolutionStatsQuery, projectID, resolvedSince)
	})
	if err != nil {
		return nil, r.failure(ctx, err, "failed to compute backlog stats", map[string]any{"project_id": projectID})
	}

	return &models.BacklogStats{
		PendingCount:     open.PendingCount,
		HypothesisCount:  open.HypothesisCount,
		OldestOpenAt:     open.OldestOpenAt,
		ResolvedCount:    resolved.ResolvedCount,
		AvgResolutionSec: resolved.AvgResolutionSec,
	}, nil
}
