// Package events handles event emission for candidate and canonical code lifecycle changes
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	CandidateSubmitted    = "candidate.submitted"
	CandidateTransitioned = "candidate.transitioned"
	CandidateMerged       = "candidate.merged"
	CodePromoted          = "code.promoted"
	CodeRelabeled         = "code.relabeled"
)

// Publisher sends one event to the bus
type Publisher interface {
	Publish(ctx context.Context, event *kafka.Event) error
}

// Emitter publishes lifecycle events. Emission is best effort: failures are
// logged and never returned to the caller.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

// NewEmitter creates a new event emitter. A nil publisher disables emission.
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

func (e *Emitter) emit(ctx context.Context, eventType, projectID, entityID string, data any) {
	if e == nil || e.publisher == nil {
		return
	}
	ctx, span := tracing.StartSpan(ctx, "events.Emitter."+eventType)
	defer span.End()

	payload, err := json.Marshal(data)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to encode %s event", eventType)
		return
	}

	event := &kafka.Event{
		EventType: eventType,
		ProjectID: projectID,
		EntityID:  entityID,
		Actor:     appctx.GetUserID(ctx),
		Data:      payload,
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id": entityID,
		}).Warnf("Failed to emit %s event", eventType)
	}
}

func (e *Emitter) EmitCandidateSubmitted(ctx context.Context, candidate *models.CandidateCode, outcome models.SubmitOutcome) {
	e.emit(ctx, CandidateSubmitted, candidate.ProjectID, candidate.ID, map[string]any{
		"label":          candidate.Label,
		"normalized_key": candidate.NormalizedKey,
		"source":         candidate.Source,
		"state":          candidate.State,
		"outcome":        outcome,
	})
}

func (e *Emitter) EmitCandidateTransitioned(ctx context.Context, projectID, candidateID string, from, to models.State) {
	e.emit(ctx, CandidateTransitioned, projectID, candidateID, map[string]any{
		"from": from,
		"to":   to,
	})
}

func (e *Emitter) EmitCandidateMerged(ctx context.Context, event *models.MergeEvent) {
	e.emit(ctx, CandidateMerged, event.ProjectID, event.FromCandidateID, map[string]any{
		"target_id":       event.ToTargetID,
		"idempotency_key": event.IdempotencyKey,
		"operation_key":   event.OperationKey,
	})
}

func (e *Emitter) EmitCodePromoted(ctx context.Context, code *models.CanonicalCode) {
	e.emit(ctx, CodePromoted, code.ProjectID, code.ID, map[string]any{
		"label":        code.Label,
		"candidate_id": code.CreatedFromCandidateID,
	})
}

func (e *Emitter) EmitCodeRelabeled(ctx context.Context, event *models.CanonicalCodeEvent) {
	e.emit(ctx, CodeRelabeled, event.ProjectID, event.CodeID, map[string]any{
		"old_label": event.OldLabel,
		"new_label": event.NewLabel,
	})
}
