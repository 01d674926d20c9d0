// Package memory implements the repositories in process memory. It honors
// the same optimistic-concurrency and uniqueness contracts as postgres and
// backs tests and DB_DRIVER=memory.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/Ramsey-B/fern/internal/repositories"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
)

type txKey struct{}

type data struct {
	candidates  map[string]models.CandidateCode
	evidence    map[string]models.Evidence
	transitions []models.Transition
	codes       map[string]models.CanonicalCode
	codeEvents  []models.CanonicalCodeEvent
	operations  map[string]models.MergeOperation
	mergeEvents map[string]models.MergeEvent
	tasks       map[string]models.ScanTask
}

func newData() data {
	return data{
		candidates:  map[string]models.CandidateCode{},
		evidence:    map[string]models.Evidence{},
		codes:       map[string]models.CanonicalCode{},
		operations:  map[string]models.MergeOperation{},
		mergeEvents: map[string]models.MergeEvent{},
		tasks:       map[string]models.ScanTask{},
	}
}

func (d data) clone() data {
	c := newData()
	for k, v := range d.candidates {
		c.candidates[k] = v
	}
	for k, v := range d.evidence {
		c.evidence[k] = v
	}
	c.transitions = append([]models.Transition(nil), d.transitions...)
	for k, v := range d.codes {
		c.codes[k] = v
	}
	c.codeEvents = append([]models.CanonicalCodeEvent(nil), d.codeEvents...)
	for k, v := range d.operations {
		c.operations[k] = v
	}
	for k, v := range d.mergeEvents {
		c.mergeEvents[k] = v
	}
	for k, v := range d.tasks {
		c.tasks[k] = v
	}
	return c
}

// DB holds every table of the in-memory store.
type DB struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data data
}

// NewStore builds every repository over a fresh in-memory database.
func NewStore() *repositories.Store {
	db := &DB{data: newData()}
	return &repositories.Store{
		Tx:          db,
		Candidates:  &CandidateRepository{db: db},
		Evidence:    &EvidenceRepository{db: db},
		Transitions: &TransitionRepository{db: db},
		Canonical:   &CanonicalRepository{db: db},
		Merges:      &MergeRepository{db: db},
		Tasks:       &TaskRepository{db: db},
	}
}

// WithinTx serializes transactions and restores a snapshot when fn fails.
// Nested calls join the outer transaction. Writes made outside a transaction
// wait for it to end, so a restore never drops them.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	db.txMu.Lock()
	defer db.txMu.Unlock()

	db.mu.RLock()
	snapshot := db.data.clone()
	db.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		db.mu.Lock()
		db.data = snapshot
		db.mu.Unlock()
		return err
	}
	return nil
}

// lock takes the write lock for one repository call and returns its release.
// Calls outside a transaction also hold txMu for their duration.
func (db *DB) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		db.mu.Lock()
		return db.mu.Unlock
	}
	db.txMu.Lock()
	db.mu.Lock()
	return func() {
		db.mu.Unlock()
		db.txMu.Unlock()
	}
}

func opKey(projectID, key string) string {
	return projectID + "\x00" + key
}

func notFound(kind, id string) error {
	return apperrors.NotFound("%s %s not found", kind, id).With(kind+"_id", id)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func sortCandidates(rows []models.CandidateCode) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
}
