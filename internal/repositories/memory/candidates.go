package memory

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/models"
)

// CandidateRepository keeps candidate codes in memory
type CandidateRepository struct {
	db *DB
}

func (r *CandidateRepository) Create(ctx context.Context, c *models.CandidateCode) error {
	defer r.db.lock(ctx)()

	if c.State.Open() {
		for _, existing := range r.db.data.candidates {
			if existing.ProjectID == c.ProjectID && existing.NormalizedKey == c.NormalizedKey && existing.State == c.State {
				return repositories.ErrOpenKeyTaken
			}
		}
	}
	row := *c
	row.Evidence = nil
	r.db.data.candidates[c.ID] = row
	return nil
}

// withEvidence copies a row and attaches its evidence. Callers hold mu.
func (r *CandidateRepository) withEvidence(row models.CandidateCode) models.CandidateCode {
	row.Evidence = evidenceFor(r.db, row.ProjectID, row.ID)
	return row
}

func (r *CandidateRepository) Get(_ context.Context, projectID, id string) (*models.CandidateCode, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	row, ok := r.db.data.candidates[id]
	if !ok || row.ProjectID != projectID {
		return nil, notFound("candidate", id)
	}
	row = r.withEvidence(row)
	return &row, nil
}

func (r *CandidateRepository) GetMany(_ context.Context, projectID string, ids []string) (map[string]*models.CandidateCode, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	result := make(map[string]*models.CandidateCode, len(ids))
	for _, id := range ids {
		row, ok := r.db.data.candidates[id]
		if !ok || row.ProjectID != projectID {
			continue
		}
		row = r.withEvidence(row)
		result[id] = &row
	}
	return result, nil
}

// Lock is GetMany. Transactions here are already serialized.
func (r *CandidateRepository) Lock(ctx context.Context, projectID string, ids ...string) (map[string]*models.CandidateCode, error) {
	return r.GetMany(ctx, projectID, ids)
}

func hasState(states []models.State, s models.State) bool {
	if len(states) == 0 {
		return true
	}
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

func (r *CandidateRepository) FindByKey(_ context.Context, projectID, key string, states ...models.State) ([]models.CandidateCode, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	rows := []models.CandidateCode{}
	for _, row := range r.db.data.candidates {
		if row.ProjectID == projectID && row.NormalizedKey == key && hasState(states, row.State) {
			rows = append(rows, r.withEvidence(row))
		}
	}
	sortCandidates(rows)
	return rows, nil
}

func (r *CandidateRepository) List(_ context.Context, projectID string, filter models.CandidateFilter) ([]models.CandidateCode, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}

	rows := []models.CandidateCode{}
	for _, row := range r.db.data.candidates {
		if row.ProjectID != projectID || (filter.State != "" && row.State != filter.State) {
			continue
		}
		rows = append(rows, r.withEvidence(row))
	}
	sortCandidates(rows)

	if filter.Offset >= len(rows) {
		return []models.CandidateCode{}, nil
	}
	rows = rows[filter.Offset:]
	if len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}
	return rows, nil
}

func (r *CandidateRepository) ListCatalog(_ context.Context, projectID string, states ...models.State) ([]models.CatalogEntry, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	rows := []models.CandidateCode{}
	for _, row := range r.db.data.candidates {
		if row.ProjectID == projectID && hasState(states, row.State) {
			rows = append(rows, row)
		}
	}
	sortCandidates(rows)

	entries := make([]models.CatalogEntry, len(rows))
	for i, row := range rows {
		entries[i] = models.CatalogEntry{ID: row.ID, Label: row.Label, Key: row.NormalizedKey, State: row.State, Kind: models.CatalogKindCandidate}
	}
	return entries, nil
}

func (r *CandidateRepository) Transition(ctx context.Context, u repositories.TransitionUpdate) (bool, error) {
	defer r.db.lock(ctx)()

	row, ok := r.db.data.candidates[u.ID]
	if !ok || row.ProjectID != u.ProjectID || row.State != u.From {
		return false, nil
	}

	row.State = u.To
	actor, at := u.Actor, u.At
	row.ResolvedBy = &actor
	row.ResolvedAt = &at
	row.UpdatedAt = u.At
	if u.Memo != nil {
		memo := *u.Memo
		row.Memo = &memo
	}
	if u.To == models.StateMerged && u.MergeTargetID != nil {
		target := *u.MergeTargetID
		row.MergeTargetID = &target
	}
	r.db.data.candidates[u.ID] = row
	return true, nil
}

func (r *CandidateRepository) RepointMergeTargets(ctx context.Context, projectID, fromID, toID string, at time.Time) (int64, error) {
	defer r.db.lock(ctx)()

	var affected int64
	for id, row := range r.db.data.candidates {
		if row.ProjectID != projectID || row.State != models.StateMerged || row.MergeTargetID == nil || *row.MergeTargetID != fromID {
			continue
		}
		target := toID
		row.MergeTargetID = &target
		row.UpdatedAt = at
		r.db.data.candidates[id] = row
		affected++
	}
	return affected, nil
}

func (r *CandidateRepository) BacklogStats(_ context.Context, projectID string, resolvedSince time.Time) (*models.BacklogStats, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	stats := &models.BacklogStats{}
	var totalSec float64
	for _, row := range r.db.data.candidates {
		if row.ProjectID != projectID {
			continue
		}
		switch row.State {
		case models.StatePending, models.StateHypothesis:
			if row.State == models.StatePending {
				stats.PendingCount++
			} else {
				stats.HypothesisCount++
			}
			if stats.OldestOpenAt == nil || row.CreatedAt.Before(*stats.OldestOpenAt) {
				created := row.CreatedAt
				stats.OldestOpenAt = &created
			}
		default:
			if row.ResolvedAt != nil && !row.ResolvedAt.Before(resolvedSince) {
				stats.ResolvedCount++
				totalSec += row.ResolvedAt.Sub(row.CreatedAt).Seconds()
			}
		}
	}
	if stats.ResolvedCount > 0 {
		stats.AvgResolutionSec = totalSec / float64(stats.ResolvedCount)
	}
	return stats, nil
}
