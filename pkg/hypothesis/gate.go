// Package hypothesis guards the only path from hypothesis to validated:
// a hypothesis is accepted only once real evidence has been attached to it.
package hypothesis

import (
	"context"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/candidates"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/fragments"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// FragmentLookup confirms that a fragment exists
type FragmentLookup interface {
	Lookup(ctx context.Context, projectID, fragmentRef string) (*fragments.Fragment, error)
}

// Validated is notified after a hypothesis is accepted
type Validated interface {
	AfterValidated(ctx context.Context, projectID, id string)
}

type AttachEvidenceRequest struct {
	FragmentRef string `json:"fragment_ref" validate:"required"`
	Quote       string `json:"quote" validate:"required"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type Gate struct {
	logger    ectologger.Logger
	store     *repositories.Store
	machine   *candidates.StateMachine
	fragments FragmentLookup
	validated Validated
	emitter   *events.Emitter
}

// NewGate creates the hypothesis gate. fragments and validated may be nil.
func NewGate(
	logger ectologger.Logger,
	store *repositories.Store,
	machine *candidates.StateMachine,
	fragments FragmentLookup,
	validated Validated,
	emitter *events.Emitter,
) *Gate {
	return &Gate{
		logger:    logger,
		store:     store,
		machine:   machine,
		fragments: fragments,
		validated: validated,
		emitter:   emitter,
	}
}

func (g *Gate) hypothesis(ctx context.Context, projectID, id string) (*models.CandidateCode, error) {
	candidate, err := g.store.Candidates.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if candidate.State != models.StateHypothesis {
		return nil, apperrors.Conflict("candidate %s is %s, not a hypothesis", id, candidate.State).
			With("candidate_id", id).
			With("state", string(candidate.State))
	}
	return candidate, nil
}

// verifyFragment rejects references the fragment service does not know. An
// unreachable service does not block the reviewer.
func (g *Gate) verifyFragment(ctx context.Context, projectID, fragmentRef string) error {
	if g.fragments == nil {
		return nil
	}
	_, err := g.fragments.Lookup(ctx, projectID, fragmentRef)
	switch {
	case err == nil:
		return nil
	case apperrors.IsNotFound(err):
		return apperrors.Validation("fragment %s does not exist", fragmentRef).With("fragment_ref", fragmentRef)
	case apperrors.IsDependencyUnavailable(err):
		g.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"project_id":   projectID,
			"fragment_ref": fragmentRef,
		}).Warn("Fragment service unavailable, accepting evidence unverified")
		return nil
	default:
		return err
	}
}

// AttachEvidence stores the sampled evidence and validates the hypothesis in one transaction
func (g *Gate) AttachEvidence(ctx context.Context, projectID, id string, req AttachEvidenceRequest) (*models.CandidateCode, error) {
	ctx, span := tracing.StartSpan(ctx, "hypothesis.Gate.AttachEvidence")
	defer span.End()

	fragmentRef := strings.TrimSpace(req.FragmentRef)
	quote := strings.TrimSpace(req.Quote)
	if fragmentRef == "" || quote == "" {
		return nil, apperrors.Validation("evidence needs both fragment_ref and quote").With("candidate_id", id)
	}

	if _, err := g.hypothesis(ctx, projectID, id); err != nil {
		return nil, err
	}
	if err := g.verifyFragment(ctx, projectID, fragmentRef); err != nil {
		return nil, err
	}

	validator := appctx.GetUserID(ctx)
	err := g.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := g.store.Evidence.Add(ctx, []models.Evidence{{
			ID:          uuid.NewString(),
			CandidateID: id,
			ProjectID:   projectID,
			FragmentRef: fragmentRef,
			QuoteText:   quote,
			ReviewState: models.EvidenceReviewResolved,
			CreatedAt:   g.machine.Now(),
		}}); err != nil {
			return err
		}
		return g.machine.Apply(ctx, candidates.Change{
			ProjectID:   projectID,
			CandidateID: id,
			From:        models.StateHypothesis,
			To:          models.StateValidated,
			Actor:       validator,
			Reason:      "evidence attached by theoretical sampling",
		})
	})
	if err != nil {
		return nil, err
	}

	g.logger.WithContext(ctx).WithFields(map[string]any{
		"project_id":   projectID,
		"candidate_id": id,
		"fragment_ref": fragmentRef,
		"validator":    validator,
	}).Info("Hypothesis validated")
	g.emitter.EmitCandidateTransitioned(ctx, projectID, id, models.StateHypothesis, models.StateValidated)
	if g.validated != nil {
		g.validated.AfterValidated(ctx, projectID, id)
	}

	return g.store.Candidates.Get(ctx, projectID, id)
}

// Reject closes a hypothesis for which no supporting evidence was found
func (g *Gate) Reject(ctx context.Context, projectID, id string, req RejectRequest) (*models.CandidateCode, error) {
	ctx, span := tracing.StartSpan(ctx, "hypothesis.Gate.Reject")
	defer span.End()

	if strings.TrimSpace(req.Reason) == "" {
		return nil, apperrors.Validation("a methodological reason is required to reject a hypothesis").
			With("candidate_id", id)
	}
	if _, err := g.hypothesis(ctx, projectID, id); err != nil {
		return nil, err
	}

	if err := g.machine.Apply(ctx, candidates.Change{
		ProjectID:   projectID,
		CandidateID: id,
		From:        models.StateHypothesis,
		To:          models.StateRejected,
		Actor:       appctx.GetUserID(ctx),
		Reason:      req.Reason,
	}); err != nil {
		return nil, err
	}

	g.emitter.EmitCandidateTransitioned(ctx, projectID, id, models.StateHypothesis, models.StateRejected)
	return g.store.Candidates.Get(ctx, projectID, id)
}
