package postgres

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var transitionColumns = []string{"id", "candidate_id", "project_id", "from_state", "to_state", "actor", "reason", "created_at"}

// TransitionRepository appends to the candidate transition log
type TransitionRepository struct {
	base
}

func (r *TransitionRepository) Append(ctx context.Context, t *models.Transition) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.TransitionRepository.Append")
	defer span.End()

	ib := database.NewInsertBuilder().InsertInto("candidate_transitions").Cols(transitionColumns...)
	ib.Values(t.ID, t.CandidateID, t.ProjectID, t.FromState, t.ToState, t.Actor, t.Reason, t.CreatedAt)
	query, args := ib.Build()

	err := r.exec(ctx, "transitions.Append", func(q database.Querier) error {
		_, err := q.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return r.failure(ctx, err, "failed to append transition", map[string]any{"candidate_id": t.CandidateID})
	}
	return nil
}

func (r *TransitionRepository) ListByCandidate(ctx context.Context, projectID, candidateID string) ([]models.Transition, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.TransitionRepository.ListByCandidate")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(transitionColumns...).From("candidate_transitions")
	sb.Where(sb.Equal("project_id", projectID), sb.Equal("candidate_id", candidateID))
	sb.OrderBy("created_at", "id")
	query, args := sb.Build()

	rows := []models.Transition{}
	err := r.exec(ctx, "transitions.ListByCandidate", func(q database.Querier) error {
		return q.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, r.failure(ctx, err, "failed to list transitions", map[string]any{"candidate_id": candidateID})
	}
	return rows, nil
}
