package candidates

import (
	"context"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/validation"
)

// Resolve records a reviewer decision on a pending candidate. Hypotheses are
// validated through the hypothesis gate instead.
func (s *Service) Resolve(ctx context.Context, projectID, id string, req models.ResolveRequest) (*models.CandidateCode, error) {
	ctx, span := tracing.StartSpan(ctx, "candidates.Service.Resolve")
	defer span.End()

	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if req.Evidence != nil && !req.Evidence.Complete() {
		return nil, apperrors.Validation("evidence needs a fragment_ref")
	}

	candidate, err := s.store.Candidates.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if req.Target == models.StateValidated && candidate.State == models.StateHypothesis {
		return nil, apperrors.Conflict("candidate %s is a hypothesis; attach evidence to validate it", id).
			With("candidate_id", id).
			With("state", string(candidate.State))
	}

	change := Change{
		ProjectID:   projectID,
		CandidateID: id,
		From:        candidate.State,
		To:          req.Target,
		Actor:       actor(ctx),
		Reason:      req.Reason,
	}

	err = s.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if req.Evidence != nil && req.Target == models.StateValidated {
			if err := s.addEvidence(ctx, candidate, []models.EvidenceInput{*req.Evidence}, s.machine.Now()); err != nil {
				return err
			}
		}
		return s.machine.Apply(ctx, change)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"project_id":   projectID,
		"candidate_id": id,
		"from":         change.From,
		"to":           change.To,
	}).Info("Candidate resolved")
	s.emitter.EmitCandidateTransitioned(ctx, projectID, id, change.From, change.To)

	if req.Target == models.StateValidated {
		s.AfterValidated(ctx, projectID, id)
	}
	return s.store.Candidates.Get(ctx, projectID, id)
}

// AfterValidated promotes a freshly validated candidate when auto-promotion
// is enabled. Promotion failures are logged; the validation already stands.
func (s *Service) AfterValidated(ctx context.Context, projectID, id string) {
	if !s.config.AutoPromote {
		return
	}
	if _, err := s.Promote(ctx, projectID, id); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"project_id":   projectID,
			"candidate_id": id,
		}).Warn("Auto-promotion failed")
	}
}

// Promote turns a validated candidate into a canonical code. Promoting the
// same candidate twice returns the existing code.
func (s *Service) Promote(ctx context.Context, projectID, candidateID string) (*models.CanonicalCode, error) {
	ctx, span := tracing.StartSpan(ctx, "candidates.Service.Promote")
	defer span.End()

	candidate, err := s.store.Candidates.Get(ctx, projectID, candidateID)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.Canonical.GetByCandidate(ctx, projectID, candidateID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if candidate.State != models.StateValidated {
		return nil, notValidated(candidate)
	}

	holder, err := s.store.Canonical.FindByKey(ctx, projectID, candidate.NormalizedKey)
	if err != nil {
		return nil, err
	}
	if holder != nil {
		return nil, apperrors.Conflict("canonical code %q already exists; merge candidate %s into it", holder.Label, candidateID).
			With("code_id", holder.ID).
			With("candidate_id", candidateID)
	}

	now := s.machine.Now()
	code, created, err := s.store.Canonical.Create(ctx, &models.CanonicalCode{
		ID:                     uuid.NewString(),
		ProjectID:              projectID,
		Label:                  candidate.Label,
		NormalizedKey:          candidate.NormalizedKey,
		CreatedFromCandidateID: candidate.ID,
		CreatedAt:              now,
		UpdatedAt:              now,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return code, nil
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"project_id":   projectID,
		"candidate_id": candidateID,
		"code_id":      code.ID,
	}).Info("Candidate promoted")
	s.emitter.EmitCodePromoted(ctx, code)

	// the relational commit above stands whatever the projection does
	if s.graph != nil {
		s.graph.OnPromoted(ctx, code)
	}
	return s.store.Canonical.Get(ctx, projectID, code.ID)
}

// Relabel renames a canonical code and records the change as an event
func (s *Service) Relabel(ctx context.Context, projectID, codeID string, req models.RelabelRequest) (*models.CanonicalCode, error) {
	ctx, span := tracing.StartSpan(ctx, "candidates.Service.Relabel")
	defer span.End()

	label := strings.TrimSpace(req.Label)
	key := normalizers.Normalize(label)
	if key == "" {
		return nil, apperrors.Validation("label %q is empty after normalization", req.Label)
	}

	code, err := s.store.Canonical.Get(ctx, projectID, codeID)
	if err != nil {
		return nil, err
	}
	if code.Label == label {
		return code, nil
	}
	if key != code.NormalizedKey {
		holder, err := s.store.Canonical.FindByKey(ctx, projectID, key)
		if err != nil {
			return nil, err
		}
		if holder != nil && holder.ID != codeID {
			return nil, apperrors.Conflict("canonical code %q already uses this label", holder.Label).
				With("code_id", holder.ID)
		}
	}

	event := &models.CanonicalCodeEvent{
		ID:        uuid.NewString(),
		CodeID:    codeID,
		ProjectID: projectID,
		EventType: models.CodeEventRelabeled,
		OldLabel:  code.Label,
		NewLabel:  label,
		Actor:     actor(ctx),
		CreatedAt: s.machine.Now(),
	}
	err = s.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.Canonical.UpdateLabel(ctx, projectID, codeID, label, key, event.CreatedAt); err != nil {
			return err
		}
		return s.store.Canonical.AppendEvent(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	s.emitter.EmitCodeRelabeled(ctx, event)

	updated, err := s.store.Canonical.Get(ctx, projectID, codeID)
	if err != nil {
		return nil, err
	}
	if s.graph != nil {
		s.graph.OnPromoted(ctx, updated)
	}
	return s.store.Canonical.Get(ctx, projectID, codeID)
}

// ListCanonical returns the canonical codes of a project
func (s *Service) ListCanonical(ctx context.Context, projectID string) ([]models.CanonicalCode, error) {
	ctx, span := tracing.StartSpan(ctx, "candidates.Service.ListCanonical")
	defer span.End()

	return s.store.Canonical.List(ctx, projectID)
}

// CodeEvents returns the relabel history of a canonical code
func (s *Service) CodeEvents(ctx context.Context, projectID, codeID string) ([]models.CanonicalCodeEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "candidates.Service.CodeEvents")
	defer span.End()

	if _, err := s.store.Canonical.Get(ctx, projectID, codeID); err != nil {
		return nil, err
	}
	return s.store.Canonical.ListEvents(ctx, projectID, codeID)
}
