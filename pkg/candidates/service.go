// Package candidates governs candidate codes from submission to promotion
package candidates

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/dedup"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graphsync"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/validation"
)

// maxCreateAttempts bounds retries when a concurrent producer claims the same open key
const maxCreateAttempts = 3

// BacklogGate refuses producer runs while the review backlog is unhealthy
type BacklogGate interface {
	Gate(ctx context.Context, projectID string) error
}

// GraphProjector receives codes after promotion or relabeling
type GraphProjector interface {
	OnPromoted(ctx context.Context, code *models.CanonicalCode) []graphsync.Attempt
}

type Config struct {
	MaxLabelLength     int
	PreHocThreshold    float64
	BacklogGateEnabled bool
	AutoPromote        bool
}

func DefaultConfig() Config {
	return Config{
		MaxLabelLength:     200,
		PreHocThreshold:    0.88,
		BacklogGateEnabled: true,
	}
}

// Service is the entry point for producers and reviewers
type Service struct {
	logger  ectologger.Logger
	store   *repositories.Store
	machine *StateMachine
	scanner *matching.Scanner
	backlog BacklogGate
	graph   GraphProjector
	emitter *events.Emitter
	config  Config
}

// NewService creates the candidate service. backlog and graph may be nil.
func NewService(
	logger ectologger.Logger,
	store *repositories.Store,
	machine *StateMachine,
	scanner *matching.Scanner,
	backlog BacklogGate,
	graph GraphProjector,
	emitter *events.Emitter,
	config Config,
) *Service {
	defaults := DefaultConfig()
	if config.MaxLabelLength <= 0 {
		config.MaxLabelLength = defaults.MaxLabelLength
	}
	if config.PreHocThreshold <= 0 || config.PreHocThreshold > 1 {
		config.PreHocThreshold = defaults.PreHocThreshold
	}
	return &Service{
		logger:  logger,
		store:   store,
		machine: machine,
		scanner: scanner,
		backlog: backlog,
		graph:   graph,
		emitter: emitter,
		config:  config,
	}
}

func (s *Service) gate(ctx context.Context, projectID string, inputs ...models.CandidateInput) error {
	if !s.config.BacklogGateEnabled || s.backlog == nil {
		return nil
	}
	for _, in := range inputs {
		if in.Source.Automated() {
			return s.backlog.Gate(ctx, projectID)
		}
	}
	return nil
}

// prepare validates an input and decides its initial state
func (s *Service) prepare(in *models.CandidateInput) (models.State, error) {
	if err := validation.Struct(in); err != nil {
		return "", err
	}
	if n := utf8.RuneCountInString(in.Label); n > s.config.MaxLabelLength {
		return "", apperrors.Validation("label is %d characters long (max %d)", n, s.config.MaxLabelLength).
			With("label", in.Label)
	}
	in.NormalizedKey = normalizers.Normalize(in.Label)
	if in.NormalizedKey == "" {
		return "", apperrors.Validation("label %q is empty after normalization", in.Label)
	}

	switch {
	case in.HasCompleteEvidence():
		return models.StatePending, nil
	case in.Source == models.SourceStructuralInference:
		return models.StateHypothesis, nil
	default:
		return "", apperrors.Validation("source %s requires evidence with a fragment_ref and quote", in.Source).
			With("source", string(in.Source))
	}
}

// Submit stores one producer proposal
func (s *Service) Submit(ctx context.Context, projectID string, in models.CandidateInput) (*models.SubmitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "candidates.Service.Submit")
	defer span.End()

	if err := s.gate(ctx, projectID, in); err != nil {
		return nil, err
	}

	candidate, outcome, err := s.submitOne(ctx, projectID, in)
	if err != nil {
		metrics.CandidateSubmissionsTotal.WithLabelValues(string(in.Source), string(models.OutcomeFailed)).Inc()
		return nil, err
	}
	return &models.SubmitResult{Label: in.Label, Outcome: outcome, Candidate: candidate}, nil
}

// SubmitBatch collapses in-batch duplicates, then stores each representative.
// Every group gets its own result; one failing group does not stop the rest.
func (s *Service) SubmitBatch(ctx context.Context, projectID string, inputs []models.CandidateInput, producerRunID string) (*models.BatchSubmitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "candidates.Service.SubmitBatch")
	defer span.End()

	if len(inputs) == 0 {
		return nil, apperrors.Validation("batch is empty")
	}
	if err := s.gate(ctx, projectID, inputs...); err != nil {
		return nil, err
	}

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"project_id":      projectID,
		"producer_run_id": producerRunID,
	})

	groups, stats := dedup.Collapse(inputs)
	if stats.Collapsed > 0 {
		metrics.BatchCollapsedTotal.Add(float64(stats.Collapsed))
	}

	result := &models.BatchSubmitResult{
		ProducerRunID: producerRunID,
		Results:       make([]models.SubmitResult, 0, len(groups)),
		Collapse:      stats,
	}

	for _, g := range groups {
		item := models.SubmitResult{Index: g.Indices[0], Label: g.Input.Label}
		if len(g.Indices) > 1 {
			item.CollapsedIndices = append([]int(nil), g.Indices[1:]...)
		}

		candidate, outcome, err := s.submitOne(ctx, projectID, g.Input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.CandidateSubmissionsTotal.WithLabelValues(string(g.Input.Source), string(models.OutcomeFailed)).Inc()
			item.Outcome = models.OutcomeFailed
			item.Error = err.Error()
			if appErr, ok := apperrors.As(err); ok {
				item.ErrorKind = string(appErr.Kind)
			}
			result.Failed++
		} else {
			item.Outcome = outcome
			item.Candidate = candidate
			if outcome == models.OutcomeCreated {
				result.Created++
			} else {
				result.Consolidated++
			}
		}
		result.Results = append(result.Results, item)
	}

	log.WithFields(map[string]any{
		"received":     stats.Received,
		"collapsed":    stats.Collapsed,
		"created":      result.Created,
		"consolidated": result.Consolidated,
		"failed":       result.Failed,
	}).Info("Batch submitted")

	return result, nil
}

func (s *Service) submitOne(ctx context.Context, projectID string, in models.CandidateInput) (*models.CandidateCode, models.SubmitOutcome, error) {
	state, err := s.prepare(&in)
	if err != nil {
		return nil, "", err
	}

	var (
		candidate *models.CandidateCode
		outcome   models.SubmitOutcome
	)
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		candidate, outcome, err = s.persist(ctx, projectID, in, state)
		if !errors.Is(err, repositories.ErrOpenKeyTaken) {
			break
		}
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"project_id":     projectID,
			"normalized_key": in.NormalizedKey,
			"attempt":        attempt,
		}).Debug("Open key claimed concurrently, retrying consolidation")
	}
	if errors.Is(err, repositories.ErrOpenKeyTaken) {
		return nil, "", apperrors.Conflict("normalized key %q is being written concurrently", in.NormalizedKey)
	}
	if err != nil {
		return nil, "", err
	}

	metrics.CandidateSubmissionsTotal.WithLabelValues(string(in.Source), string(outcome)).Inc()
	s.emitter.EmitCandidateSubmitted(ctx, candidate, outcome)
	return candidate, outcome, nil
}

// persist consolidates into an open row with the same key or creates a new one
func (s *Service) persist(ctx context.Context, projectID string, in models.CandidateInput, state models.State) (*models.CandidateCode, models.SubmitOutcome, error) {
	var (
		candidateID string
		outcome     models.SubmitOutcome
	)

	err := s.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.machine.Now()

		open := []models.State{models.StatePending}
		if state == models.StateHypothesis {
			open = append(open, models.StateHypothesis)
		}
		existing, err := s.store.Candidates.FindByKey(ctx, projectID, in.NormalizedKey, open...)
		if err != nil {
			return err
		}

		if len(existing) > 0 {
			target := existing[0]
			candidateID, outcome = target.ID, models.OutcomeConsolidated
			return s.addEvidence(ctx, &target, in.CompleteEvidence(), now)
		}

		candidate := &models.CandidateCode{
			ID:               uuid.NewString(),
			ProjectID:        projectID,
			Label:            in.Label,
			NormalizedKey:    in.NormalizedKey,
			Source:           in.Source,
			SourceDetail:     optional(in.SourceDetail),
			Confidence:       in.Confidence,
			State:            state,
			Memo:             optional(in.Memo),
			RequiresSampling: in.RequiresSampling || state == models.StateHypothesis,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.store.Candidates.Create(ctx, candidate); err != nil {
			return err
		}
		candidateID, outcome = candidate.ID, models.OutcomeCreated
		return s.addEvidence(ctx, candidate, in.CompleteEvidence(), now)
	})
	if err != nil {
		return nil, "", err
	}

	candidate, err := s.store.Candidates.Get(ctx, projectID, candidateID)
	if err != nil {
		return nil, "", err
	}
	return candidate, outcome, nil
}

// addEvidence stores the entries candidate does not already hold
func (s *Service) addEvidence(ctx context.Context, candidate *models.CandidateCode, inputs []models.EvidenceInput, now time.Time) error {
	type pair struct{ ref, quote string }
	held := make(map[pair]struct{}, len(candidate.Evidence))
	for _, e := range candidate.Evidence {
		held[pair{e.FragmentRef, e.QuoteText}] = struct{}{}
	}

	rows := make([]models.Evidence, 0, len(inputs))
	for _, in := range inputs {
		key := pair{in.FragmentRef, in.Quote}
		if _, ok := held[key]; ok {
			continue
		}
		held[key] = struct{}{}
		rows = append(rows, models.Evidence{
			ID:          uuid.NewString(),
			CandidateID: candidate.ID,
			ProjectID:   candidate.ProjectID,
			FragmentRef: in.FragmentRef,
			QuoteText:   in.Quote,
			ReviewState: models.EvidenceReviewPending,
			CreatedAt:   now,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.store.Evidence.Add(ctx, rows)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Get returns a candidate with its evidence
func (s *Service) Get(ctx context.Context, projectID, id string) (*models.CandidateCode, error) {
	ctx, span := tracing.StartSpan(ctx, "candidates.Service.Get")
	defer span.End()

	return s.store.Candidates.Get(ctx, projectID, id)
}

// List returns candidates of a project, optionally filtered by state
func (s *Service) List(ctx context.Context, projectID string, filter models.CandidateFilter) ([]models.CandidateCode, error) {
	ctx, span := tracing.StartSpan(ctx, "candidates.Service.List")
	defer span.End()

	if filter.State != "" && !filter.State.Valid() {
		return nil, apperrors.Validation("unknown state %q", filter.State)
	}
	return s.store.Candidates.List(ctx, projectID, filter)
}

// History returns the transition log of a candidate
func (s *Service) History(ctx context.Context, projectID, id string) ([]models.Transition, error) {
	ctx, span := tracing.StartSpan(ctx, "candidates.Service.History")
	defer span.End()

	if _, err := s.store.Candidates.Get(ctx, projectID, id); err != nil {
		return nil, err
	}
	return s.store.Transitions.ListByCandidate(ctx, projectID, id)
}

func actor(ctx context.Context) string {
	return appctx.GetUserID(ctx)
}

func notValidated(c *models.CandidateCode) error {
	return apperrors.Conflict("candidate %s is %s, only validated candidates can be promoted", c.ID, c.State).
		With("candidate_id", c.ID).
		With("state", fmt.Sprint(c.State))
}
