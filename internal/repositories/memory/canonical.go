package memory

import (
	"context"
	"sort"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// CanonicalRepository keeps canonical codes in memory
type CanonicalRepository struct {
	db *DB
}

func (r *CanonicalRepository) Create(ctx context.Context, code *models.CanonicalCode) (*models.CanonicalCode, bool, error) {
	defer r.db.lock(ctx)()

	for _, existing := range r.db.data.codes {
		if existing.CreatedFromCandidateID == code.CreatedFromCandidateID {
			found := existing
			return &found, false, nil
		}
	}
	r.db.data.codes[code.ID] = *code
	created := *code
	return &created, true, nil
}

func (r *CanonicalRepository) Get(_ context.Context, projectID, id string) (*models.CanonicalCode, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	code, ok := r.db.data.codes[id]
	if !ok || code.ProjectID != projectID {
		return nil, notFound("code", id)
	}
	return &code, nil
}

func (r *CanonicalRepository) find(projectID string, match func(models.CanonicalCode) bool) *models.CanonicalCode {
	var found *models.CanonicalCode
	for _, code := range r.db.data.codes {
		if code.ProjectID != projectID || !match(code) {
			continue
		}
		if found == nil || code.CreatedAt.Before(found.CreatedAt) {
			c := code
			found = &c
		}
	}
	return found
}

func (r *CanonicalRepository) GetByCandidate(_ context.Context, projectID, candidateID string) (*models.CanonicalCode, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	return r.find(projectID, func(c models.CanonicalCode) bool { return c.CreatedFromCandidateID == candidateID }), nil
}

func (r *CanonicalRepository) FindByKey(_ context.Context, projectID, key string) (*models.CanonicalCode, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	return r.find(projectID, func(c models.CanonicalCode) bool { return c.NormalizedKey == key }), nil
}

func (r *CanonicalRepository) list(projectID string, match func(models.CanonicalCode) bool) []models.CanonicalCode {
	rows := []models.CanonicalCode{}
	for _, code := range r.db.data.codes {
		if code.ProjectID == projectID && match(code) {
			rows = append(rows, code)
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

func (r *CanonicalRepository) List(_ context.Context, projectID string) ([]models.CanonicalCode, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	return r.list(projectID, func(models.CanonicalCode) bool { return true }), nil
}

func (r *CanonicalRepository) ListCatalog(ctx context.Context, projectID string) ([]models.CatalogEntry, error) {
	codes, _ := r.List(ctx, projectID)
	entries := make([]models.CatalogEntry, len(codes))
	for i, c := range codes {
		entries[i] = models.CatalogEntry{ID: c.ID, Label: c.Label, Key: c.NormalizedKey, Kind: models.CatalogKindCanonical}
	}
	return entries, nil
}

func (r *CanonicalRepository) mutate(ctx context.Context, projectID, id string, fn func(*models.CanonicalCode)) error {
	defer r.db.lock(ctx)()

	code, ok := r.db.data.codes[id]
	if !ok || code.ProjectID != projectID {
		return notFound("code", id)
	}
	fn(&code)
	r.db.data.codes[id] = code
	return nil
}

func (r *CanonicalRepository) UpdateLabel(ctx context.Context, projectID, id, label, key string, at time.Time) error {
	return r.mutate(ctx, projectID, id, func(c *models.CanonicalCode) {
		c.Label = label
		c.NormalizedKey = key
		c.GraphSynced = false
		c.UpdatedAt = at
	})
}

func (r *CanonicalRepository) AppendEvent(ctx context.Context, e *models.CanonicalCodeEvent) error {
	defer r.db.lock(ctx)()

	r.db.data.codeEvents = append(r.db.data.codeEvents, *e)
	return nil
}

func (r *CanonicalRepository) ListEvents(_ context.Context, projectID, codeID string) ([]models.CanonicalCodeEvent, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	rows := []models.CanonicalCodeEvent{}
	for _, e := range r.db.data.codeEvents {
		if e.ProjectID == projectID && e.CodeID == codeID {
			rows = append(rows, e)
		}
	}
	return rows, nil
}

func (r *CanonicalRepository) ListUnsynced(_ context.Context, projectID string, limit int) ([]models.CanonicalCode, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	rows := r.list(projectID, func(c models.CanonicalCode) bool { return !c.GraphSynced })
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].SyncAttempts < rows[j].SyncAttempts })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *CanonicalRepository) MarkSynced(ctx context.Context, projectID, id string, at time.Time) error {
	return r.mutate(ctx, projectID, id, func(c *models.CanonicalCode) {
		c.GraphSynced = true
		c.SyncedAt = &at
		c.LastSyncError = nil
		c.SyncAttempts++
		c.UpdatedAt = at
	})
}

func (r *CanonicalRepository) MarkSyncFailed(ctx context.Context, projectID, id, message string, at time.Time) error {
	return r.mutate(ctx, projectID, id, func(c *models.CanonicalCode) {
		c.GraphSynced = false
		c.LastSyncError = &message
		c.SyncAttempts++
		c.UpdatedAt = at
	})
}

func (r *CanonicalRepository) SyncCounts(_ context.Context, projectID string) (int, int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var pending, synced int
	for _, c := range r.db.data.codes {
		if c.ProjectID != projectID {
			continue
		}
		if c.GraphSynced {
			synced++
		} else {
			pending++
		}
	}
	return pending, synced, nil
}

func (r *CanonicalRepository) ProjectsWithUnsynced(_ context.Context, limit int) ([]string, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	seen := map[string]struct{}{}
	projects := []string{}
	for _, c := range r.db.data.codes {
		if c.GraphSynced {
			continue
		}
		if _, ok := seen[c.ProjectID]; ok {
			continue
		}
		seen[c.ProjectID] = struct{}{}
		projects = append(projects, c.ProjectID)
	}
	sort.Strings(projects)
	if limit > 0 && len(projects) > limit {
		projects = projects[:limit]
	}
	return projects, nil
}
