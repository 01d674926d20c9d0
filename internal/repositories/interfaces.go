package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrOpenKeyTaken is returned by CandidateRepo.Create when another open
// candidate of the same state already holds the normalized key.
var ErrOpenKeyTaken = errors.New("an open candidate already holds this normalized key")

// TxManager runs fn in a transaction carried on the context. Repository
// calls made with that context join the transaction.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TransitionUpdate is an optimistic state change: it applies only while the
// row is still in From.
type TransitionUpdate struct {
	ProjectID     string
	ID            string
	From          models.State
	To            models.State
	Actor         string
	Memo          *string
	MergeTargetID *string
	At            time.Time
}

// CandidateRepo defines the interface for candidate code persistence
type CandidateRepo interface {
	Create(ctx context.Context, candidate *models.CandidateCode) error
	Get(ctx context.Context, projectID, id string) (*models.CandidateCode, error)
	GetMany(ctx context.Context, projectID string, ids []string) (map[string]*models.CandidateCode, error)
	// Lock reads the rows and holds them until the surrounding transaction
	// ends. Rows are locked in id order.
	Lock(ctx context.Context, projectID string, ids ...string) (map[string]*models.CandidateCode, error)
	// FindByKey returns candidates with the key in any of states, oldest first.
	FindByKey(ctx context.Context, projectID, key string, states ...models.State) ([]models.CandidateCode, error)
	List(ctx context.Context, projectID string, filter models.CandidateFilter) ([]models.CandidateCode, error)
	ListCatalog(ctx context.Context, projectID string, states ...models.State) ([]models.CatalogEntry, error)
	// Transition reports false when the row was not in From.
	Transition(ctx context.Context, update TransitionUpdate) (bool, error)
	// RepointMergeTargets moves merged rows pointing at fromID to toID.
	RepointMergeTargets(ctx context.Context, projectID, fromID, toID string, at time.Time) (int64, error)
	BacklogStats(ctx context.Context, projectID string, resolvedSince time.Time) (*models.BacklogStats, error)
}

// EvidenceRepo defines the interface for candidate evidence persistence
type EvidenceRepo interface {
	Add(ctx context.Context, evidence []models.Evidence) error
	ListByCandidate(ctx context.Context, projectID, candidateID string) ([]models.Evidence, error)
	Reassign(ctx context.Context, projectID, fromID, toID string, review models.EvidenceReviewState) (int64, error)
}

// TransitionRepo defines the interface for the append-only transition log
type TransitionRepo interface {
	Append(ctx context.Context, transition *models.Transition) error
	ListByCandidate(ctx context.Context, projectID, candidateID string) ([]models.Transition, error)
}

// CanonicalRepo defines the interface for canonical code persistence
type CanonicalRepo interface {
	// Create returns the existing code and false when the candidate was already promoted.
	Create(ctx context.Context, code *models.CanonicalCode) (*models.CanonicalCode, bool, error)
	Get(ctx context.Context, projectID, id string) (*models.CanonicalCode, error)
	GetByCandidate(ctx context.Context, projectID, candidateID string) (*models.CanonicalCode, error)
	FindByKey(ctx context.Context, projectID, key string) (*models.CanonicalCode, error)
	List(ctx context.Context, projectID string) ([]models.CanonicalCode, error)
	ListCatalog(ctx context.Context, projectID string) ([]models.CatalogEntry, error)
	UpdateLabel(ctx context.Context, projectID, id, label, key string, at time.Time) error
	AppendEvent(ctx context.Context, event *models.CanonicalCodeEvent) error
	ListEvents(ctx context.Context, projectID, codeID string) ([]models.CanonicalCodeEvent, error)
	ListUnsynced(ctx context.Context, projectID string, limit int) ([]models.CanonicalCode, error)
	MarkSynced(ctx context.Context, projectID, id string, at time.Time) error
	MarkSyncFailed(ctx context.Context, projectID, id, message string, at time.Time) error
	SyncCounts(ctx context.Context, projectID string) (pending, synced int, err error)
	ProjectsWithUnsynced(ctx context.Context, limit int) ([]string, error)
}

// MergeRepo defines the interface for merge operations and their audit events
type MergeRepo interface {
	GetOperation(ctx context.Context, projectID, key string) (*models.MergeOperation, error)
	// StartOperation reports false when the key is already recorded.
	StartOperation(ctx context.Context, op *models.MergeOperation) (bool, error)
	CompleteOperation(ctx context.Context, projectID, key string, result *models.MergeResult, at time.Time) error
	// AppendEvent reports false when an event with the same idempotency key exists.
	AppendEvent(ctx context.Context, event *models.MergeEvent) (bool, error)
	ListEvents(ctx context.Context, projectID, operationKey string) ([]models.MergeEvent, error)
}

// TaskRepo defines the interface for persisted background tasks
type TaskRepo interface {
	Create(ctx context.Context, task *models.ScanTask) error
	Get(ctx context.Context, id string) (*models.ScanTask, error)
	// Claim moves a queued task to running and reports whether this caller won it.
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	Checkpoint(ctx context.Context, id string, checkpoint json.RawMessage, at time.Time) error
	Complete(ctx context.Context, id string, result json.RawMessage, at time.Time) error
	Fail(ctx context.Context, id string, message string, at time.Time) error
	ListQueued(ctx context.Context, limit int) ([]models.ScanTask, error)
	// Heartbeat renews the lease of a running task.
	Heartbeat(ctx context.Context, id string, at time.Time) error
	// RequeueStale returns running tasks whose lease ended before the cutoff
	// to the queue.
	RequeueStale(ctx context.Context, cutoff, at time.Time) (int64, error)
}

// Store groups the repositories of one backing database.
type Store struct {
	Tx          TxManager
	Candidates  CandidateRepo
	Evidence    EvidenceRepo
	Transitions TransitionRepo
	Canonical   CanonicalRepo
	Merges      MergeRepo
	Tasks       TaskRepo
	// Ping checks the backing database, nil for stores without one.
	Ping func(ctx context.Context) error
}
