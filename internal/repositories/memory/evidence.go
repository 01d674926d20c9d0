package memory

import (
	"context"
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
)

// EvidenceRepository keeps candidate evidence in memory
type EvidenceRepository struct {
	db *DB
}

func (r *EvidenceRepository) Add(ctx context.Context, evidence []models.Evidence) error {
	defer r.db.lock(ctx)()

	for _, e := range evidence {
		r.db.data.evidence[e.ID] = e
	}
	return nil
}

func (r *EvidenceRepository) ListByCandidate(_ context.Context, projectID, candidateID string) ([]models.Evidence, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	return evidenceFor(r.db, projectID, candidateID), nil
}

// evidenceFor lists a candidate's evidence. Callers hold mu.
func evidenceFor(db *DB, projectID, candidateID string) []models.Evidence {
	rows := []models.Evidence{}
	for _, e := range db.data.evidence {
		if e.ProjectID == projectID && e.CandidateID == candidateID {
			rows = append(rows, e)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

func (r *EvidenceRepository) Reassign(ctx context.Context, projectID, fromID, toID string, review models.EvidenceReviewState) (int64, error) {
	defer r.db.lock(ctx)()

	var affected int64
	for id, e := range r.db.data.evidence {
		if e.ProjectID != projectID || e.CandidateID != fromID {
			continue
		}
		e.CandidateID = toID
		e.ReviewState = review
		r.db.data.evidence[id] = e
		affected++
	}
	return affected, nil
}
