package candidates

import (
	"context"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/internal/repositories"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Change is one requested state transition
type Change struct {
	ProjectID     string
	CandidateID   string
	From          models.State
	To            models.State
	Actor         string
	Reason        string
	MergeTargetID *string
}

// StateMachine applies candidate transitions. Every path that changes a
// candidate's state goes through Apply, so the grounding and merge-target
// rules hold regardless of the caller.
type StateMachine struct {
	store  *repositories.Store
	logger ectologger.Logger
	now    func() time.Time
}

func NewStateMachine(store *repositories.Store, logger ectologger.Logger) *StateMachine {
	return &StateMachine{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Now returns the clock used for transition timestamps
func (m *StateMachine) Now() time.Time {
	return m.now()
}

// Apply performs an optimistic transition from c.From to c.To and appends the
// audit row in the same transaction. A row that moved in the meantime yields
// a Conflict; a row that does not exist yields NotFound.
func (m *StateMachine) Apply(ctx context.Context, c Change) error {
	if !models.CanTransition(c.From, c.To) {
		return apperrors.Conflict("candidate %s cannot move from %s to %s", c.CandidateID, c.From, c.To).
			With("candidate_id", c.CandidateID).
			With("state", string(c.From))
	}
	reason := strings.TrimSpace(c.Reason)
	if c.To == models.StateRejected && reason == "" {
		return apperrors.Validation("a reason is required to reject candidate %s", c.CandidateID).
			With("candidate_id", c.CandidateID)
	}
	if c.To == models.StateMerged && (c.MergeTargetID == nil || *c.MergeTargetID == "") {
		return apperrors.Validation("merge target is required to merge candidate %s", c.CandidateID)
	}

	return m.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if c.To == models.StateValidated {
			if err := m.requireGrounded(ctx, c); err != nil {
				return err
			}
		}
		if c.To == models.StateMerged {
			if err := m.requireMergeTarget(ctx, c); err != nil {
				return err
			}
		}

		now := m.now()
		var memo *string
		if reason != "" {
			memo = &reason
		}

		ok, err := m.store.Candidates.Transition(ctx, repositories.TransitionUpdate{
			ProjectID:     c.ProjectID,
			ID:            c.CandidateID,
			From:          c.From,
			To:            c.To,
			Actor:         c.Actor,
			Memo:          memo,
			MergeTargetID: c.MergeTargetID,
			At:            now,
		})
		if err != nil {
			return err
		}
		if !ok {
			current, err := m.store.Candidates.Get(ctx, c.ProjectID, c.CandidateID)
			if err != nil {
				return err
			}
			return apperrors.Conflict("candidate %s is %s, expected %s", c.CandidateID, current.State, c.From).
				With("candidate_id", c.CandidateID).
				With("state", string(current.State))
		}

		if err := m.store.Transitions.Append(ctx, &models.Transition{
			ID:          uuid.NewString(),
			CandidateID: c.CandidateID,
			ProjectID:   c.ProjectID,
			FromState:   c.From,
			ToState:     c.To,
			Actor:       c.Actor,
			Reason:      memo,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		metrics.TransitionsTotal.WithLabelValues(string(c.From), string(c.To)).Inc()
		return nil
	})
}

func (m *StateMachine) requireGrounded(ctx context.Context, c Change) error {
	evidence, err := m.store.Evidence.ListByCandidate(ctx, c.ProjectID, c.CandidateID)
	if err != nil {
		return err
	}
	for _, e := range evidence {
		if strings.TrimSpace(e.FragmentRef) != "" {
			return nil
		}
	}
	return apperrors.Validation("candidate %s has no evidence with a fragment reference", c.CandidateID).
		With("candidate_id", c.CandidateID)
}

func (m *StateMachine) requireMergeTarget(ctx context.Context, c Change) error {
	if *c.MergeTargetID == c.CandidateID {
		return apperrors.Conflict("candidate %s cannot be merged into itself", c.CandidateID)
	}
	// the target stays unmerged until this transaction ends
	rows, err := m.store.Candidates.Lock(ctx, c.ProjectID, c.CandidateID, *c.MergeTargetID)
	if err != nil {
		return err
	}
	target, ok := rows[*c.MergeTargetID]
	if !ok {
		return apperrors.NotFound("merge target %s not found", *c.MergeTargetID).
			With("target_id", *c.MergeTargetID)
	}
	if target.State == models.StateMerged {
		return apperrors.Conflict("merge target %s is itself merged", target.ID).
			With("target_id", target.ID)
	}
	return nil
}
