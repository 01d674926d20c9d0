package postgres

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const evidenceTable = "candidate_evidence"

var evidenceColumns = []string{"id", "candidate_id", "project_id", "fragment_ref", "quote_text", "review_state", "created_at"}

// EvidenceRepository handles candidate evidence rows
type EvidenceRepository struct {
	base
}

func (r *EvidenceRepository) Add(ctx context.Context, evidence []models.Evidence) error {
	ctx, span := tracing.StartSpan(ctx, "postgres.EvidenceRepository.Add")
	defer span.End()

	if len(evidence) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder().InsertInto(evidenceTable).Cols(evidenceColumns...)
	for _, e := range evidence {
		ib.Values(e.ID, e.CandidateID, e.ProjectID, e.FragmentRef, e.QuoteText, e.ReviewState, e.CreatedAt)
	}
	query, args := ib.Build()

	err := r.exec(ctx, "evidence.Add", func(q database.Querier) error {
		_, err := q.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return r.failure(ctx, err, "failed to add evidence", map[string]any{
			"candidate_id": evidence[0].CandidateID,
			"count":        len(evidence),
		})
	}
	return nil
}

func (r *EvidenceRepository) ListByCandidate(ctx context.Context, projectID, candidateID string) ([]models.Evidence, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.EvidenceRepository.ListByCandidate")
	defer span.End()

	return listEvidence(ctx, &r.base, projectID, []string{candidateID})
}

func listEvidence(ctx context.Context, b *base, projectID string, candidateIDs []string) ([]models.Evidence, error) {
	sb := database.NewSelectBuilder()
	sb.Select(evidenceColumns...).From(evidenceTable)
	sb.Where(sb.Equal("project_id", projectID), sb.In("candidate_id", database.AnySlice(candidateIDs)...))
	sb.OrderBy("created_at", "id")
	query, args := sb.Build()

	rows := []models.Evidence{}
	err := b.exec(ctx, "evidence.List", func(q database.Querier) error {
		return q.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, b.failure(ctx, err, "failed to list evidence", map[string]any{"project_id": projectID})
	}
	return rows, nil
}

func (r *EvidenceRepository) Reassign(ctx context.Context, projectID, fromID, toID string, review models.EvidenceReviewState) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.EvidenceRepository.Reassign")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(evidenceTable)
	ub.Set(ub.Assign("candidate_id", toID), ub.Assign("review_state", review))
	ub.Where(ub.Equal("project_id", projectID), ub.Equal("candidate_id", fromID))
	query, args := ub.Build()

	var affected int64
	err := r.exec(ctx, "evidence.Reassign", func(q database.Querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, r.failure(ctx, err, "failed to reassign evidence", map[string]any{"from_id": fromID, "to_id": toID})
	}
	return affected, nil
}
