package models

import (
	"strings"
	"time"
)

// Source identifies the producer that proposed a candidate.
type Source string

const (
	SourceLLM                 Source = "llm"
	SourceManual              Source = "manual"
	SourceDiscovery           Source = "discovery"
	SourceSemanticSuggestion  Source = "semantic_suggestion"
	SourceStructuralInference Source = "structural_inference"
)

func (s Source) Valid() bool {
	switch s {
	case SourceLLM, SourceManual, SourceDiscovery, SourceSemanticSuggestion, SourceStructuralInference:
		return true
	}
	return false
}

// Automated sources are subject to the backlog gate.
func (s Source) Automated() bool {
	return s != SourceManual
}

type State string

const (
	StatePending    State = "pending"
	StateHypothesis State = "hypothesis"
	StateValidated  State = "validated"
	StateRejected   State = "rejected"
	StateMerged     State = "merged"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateHypothesis, StateValidated, StateRejected, StateMerged:
		return true
	}
	return false
}

// Open states still await review.
func (s State) Open() bool {
	return s == StatePending || s == StateHypothesis
}

func (s State) Terminal() bool {
	return s == StateRejected || s == StateMerged
}

var transitions = map[State][]State{
	StatePending:    {StateValidated, StateRejected, StateMerged},
	StateHypothesis: {StateValidated, StateRejected},
	StateValidated:  {StateMerged},
}

// CanTransition reports whether from -> to is a legal edge of the candidate state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CandidateCode is a proposed label awaiting governance.
type CandidateCode struct {
	ID               string     `json:"id" db:"id"`
	ProjectID        string     `json:"project_id" db:"project_id"`
	Label            string     `json:"label" db:"label"`
	NormalizedKey    string     `json:"normalized_key" db:"normalized_key"`
	Source           Source     `json:"source" db:"source"`
	SourceDetail     *string    `json:"source_detail,omitempty" db:"source_detail"`
	Confidence       *float64   `json:"confidence,omitempty" db:"confidence"`
	State            State      `json:"state" db:"state"`
	MergeTargetID    *string    `json:"merge_target_id,omitempty" db:"merge_target_id"`
	Memo             *string    `json:"memo,omitempty" db:"memo"`
	RequiresSampling bool       `json:"requires_sampling" db:"requires_sampling"`
	ResolvedBy       *string    `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`

	Evidence []Evidence `json:"evidence" db:"-"`
}

// Grounded reports whether at least one evidence row points at a fragment.
func (c *CandidateCode) Grounded() bool {
	for _, e := range c.Evidence {
		if strings.TrimSpace(e.FragmentRef) != "" {
			return true
		}
	}
	return false
}

type EvidenceReviewState string

const (
	EvidenceReviewPending  EvidenceReviewState = "pending"
	EvidenceReviewResolved EvidenceReviewState = "resolved"
)

// Evidence links a candidate to an observed fragment of source text.
type Evidence struct {
	ID          string              `json:"id" db:"id"`
	CandidateID string              `json:"candidate_id" db:"candidate_id"`
	ProjectID   string              `json:"project_id" db:"project_id"`
	FragmentRef string              `json:"fragment_ref" db:"fragment_ref"`
	QuoteText   string              `json:"quote_text" db:"quote_text"`
	ReviewState EvidenceReviewState `json:"review_state" db:"review_state"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
}

type EvidenceInput struct {
	FragmentRef string `json:"fragment_ref"`
	Quote       string `json:"quote"`
}

// Complete evidence names the fragment it was observed in. The quote is optional.
func (e EvidenceInput) Complete() bool {
	return strings.TrimSpace(e.FragmentRef) != ""
}

// CandidateInput is a producer's proposal before it is persisted.
type CandidateInput struct {
	Label            string          `json:"label" validate:"required"`
	Source           Source          `json:"source" validate:"required,oneof=llm manual discovery semantic_suggestion structural_inference"`
	SourceDetail     string          `json:"source_detail,omitempty"`
	Confidence       *float64        `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Evidence         []EvidenceInput `json:"evidence,omitempty" validate:"dive"`
	Memo             string          `json:"memo,omitempty"`
	RequiresSampling bool            `json:"requires_sampling,omitempty"`

	// NormalizedKey is filled in by the deduplicator and store.
	NormalizedKey string `json:"-"`
}

func (in CandidateInput) HasCompleteEvidence() bool {
	for _, e := range in.Evidence {
		if e.Complete() {
			return true
		}
	}
	return false
}

// CompleteEvidence returns only the evidence entries that can be stored.
func (in CandidateInput) CompleteEvidence() []EvidenceInput {
	var out []EvidenceInput
	for _, e := range in.Evidence {
		if e.Complete() {
			out = append(out, e)
		}
	}
	return out
}

// Transition is an append-only audit row for one state change.
type Transition struct {
	ID          string    `json:"id" db:"id"`
	CandidateID string    `json:"candidate_id" db:"candidate_id"`
	ProjectID   string    `json:"project_id" db:"project_id"`
	FromState   State     `json:"from_state" db:"from_state"`
	ToState     State     `json:"to_state" db:"to_state"`
	Actor       string    `json:"actor" db:"actor"`
	Reason      *string   `json:"reason,omitempty" db:"reason"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type SubmitOutcome string

const (
	OutcomeCreated      SubmitOutcome = "created"
	OutcomeConsolidated SubmitOutcome = "consolidated"
	OutcomeFailed       SubmitOutcome = "failed"
)

type SubmitResult struct {
	Index     int            `json:"index"`
	Label     string         `json:"label"`
	Outcome   SubmitOutcome  `json:"outcome"`
	Candidate *CandidateCode `json:"candidate,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`

	// CollapsedIndices lists the other batch positions folded into this result.
	CollapsedIndices []int `json:"collapsed_indices,omitempty"`
}

type CollapseStats struct {
	Received       int `json:"received"`
	Unique         int `json:"unique"`
	Collapsed      int `json:"collapsed"`
	GroupsAffected int `json:"groups_affected"`
}

type BatchSubmitResult struct {
	ProducerRunID string         `json:"producer_run_id,omitempty"`
	Results       []SubmitResult `json:"results"`
	Collapse      CollapseStats  `json:"collapse"`
	Created       int            `json:"created"`
	Consolidated  int            `json:"consolidated"`
	Failed        int            `json:"failed"`
}

// ResolveRequest drives a reviewer decision on a candidate.
type ResolveRequest struct {
	Target   State          `json:"target" validate:"required,oneof=validated rejected"`
	Reason   string         `json:"reason,omitempty"`
	Evidence *EvidenceInput `json:"evidence,omitempty"`
}

type CandidateFilter struct {
	State  State
	Limit  int
	Offset int
}
