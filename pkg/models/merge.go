package models

import "time"

// MergeEvent is the audit record of one source folded into a target.
type MergeEvent struct {
	ID              string    `json:"id" db:"id"`
	ProjectID       string    `json:"project_id" db:"project_id"`
	FromCandidateID string    `json:"from_candidate_id" db:"from_candidate_id"`
	ToTargetID      string    `json:"to_target_id" db:"to_target_id"`
	IdempotencyKey  string    `json:"idempotency_key" db:"idempotency_key"`
	OperationKey    string    `json:"operation_key" db:"operation_key"`
	Actor           string    `json:"actor" db:"actor"`
	Reason          *string   `json:"reason,omitempty" db:"reason"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// EvidencePolicy decides the review state of evidence rows moved by a merge.
type EvidencePolicy string

const (
	EvidencePolicyKeepPending EvidencePolicy = "keep_pending"
	EvidencePolicyResolve     EvidencePolicy = "resolve"
)

func (p EvidencePolicy) ReviewState() EvidenceReviewState {
	if p == EvidencePolicyResolve {
		return EvidenceReviewResolved
	}
	return EvidenceReviewPending
}

type MergeRequest struct {
	SourceIDs      []string `json:"source_ids" validate:"required,min=1,dive,required"`
	TargetLabel    string   `json:"target_label" validate:"required"`
	IdempotencyKey string   `json:"idempotency_key"`
	Memo           string   `json:"memo,omitempty"`
}

type MergeItemStatus string

const (
	MergeItemMerged  MergeItemStatus = "merged"
	MergeItemSkipped MergeItemStatus = "skipped"
)

type MergeItemResult struct {
	SourceID string          `json:"source_id"`
	Status   MergeItemStatus `json:"status"`
	Reason   string          `json:"reason,omitempty"`
}

type MergeResult struct {
	MergedCount  int               `json:"merged_count"`
	SkippedCount int               `json:"skipped_count"`
	TargetID     string            `json:"target_id,omitempty"`
	Items        []MergeItemResult `json:"items"`
	// Replayed is set when the result was answered from a stored operation.
	Replayed bool `json:"replayed"`
}

const (
	MergeOperationRunning   = "running"
	MergeOperationCompleted = "completed"
)

// MergeOperation stores the outcome of an idempotency key.
type MergeOperation struct {
	IdempotencyKey string       `json:"idempotency_key" db:"idempotency_key"`
	ProjectID      string       `json:"project_id" db:"project_id"`
	RequestHash    string       `json:"request_hash" db:"request_hash"`
	Status         string       `json:"status" db:"status"`
	Result         *MergeResult `json:"result,omitempty" db:"-"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}
