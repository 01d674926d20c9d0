package memory

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
)

// TransitionRepository keeps the transition log in memory
type TransitionRepository struct {
	db *DB
}

func (r *TransitionRepository) Append(ctx context.Context, t *models.Transition) error {
	defer r.db.lock(ctx)()

	r.db.data.transitions = append(r.db.data.transitions, *t)
	return nil
}

func (r *TransitionRepository) ListByCandidate(_ context.Context, projectID, candidateID string) ([]models.Transition, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	rows := []models.Transition{}
	for _, t := range r.db.data.transitions {
		if t.ProjectID == projectID && t.CandidateID == candidateID {
			rows = append(rows, t)
		}
	}
	return rows, nil
}
