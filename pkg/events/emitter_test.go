package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
)

type recordingPublisher struct {
	events []*kafka.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event *kafka.Event) error {
	p.events = append(p.events, event)
	return p.err
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestEmitCandidateSubmitted(t *testing.T) {
	pub := &recordingPublisher{}
	emitter := NewEmitter(pub, testLogger())
	ctx := appctx.SetUserID(context.Background(), "coder-1")

	emitter.EmitCandidateSubmitted(ctx, &models.CandidateCode{
		ID: "c1", ProjectID: "p1", Label: "Inundaciones", NormalizedKey: "inundaciones",
		Source: models.SourceLLM, State: models.StatePending,
	}, models.OutcomeCreated)

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, CandidateSubmitted, event.EventType)
	assert.Equal(t, "p1", event.ProjectID)
	assert.Equal(t, "c1", event.EntityID)
	assert.Equal(t, "coder-1", event.Actor)

	var data map[string]any
	require.NoError(t, json.Unmarshal(event.Data, &data))
	assert.Equal(t, "created", data["outcome"])
}

func TestEmitterSwallowsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	emitter := NewEmitter(pub, testLogger())

	assert.NotPanics(t, func() {
		emitter.EmitCandidateTransitioned(context.Background(), "p1", "c1", models.StatePending, models.StateValidated)
	})
	assert.Len(t, pub.events, 1)
}

func TestNilPublisherIsNoop(t *testing.T) {
	var nilEmitter *Emitter
	assert.NotPanics(t, func() {
		NewEmitter(nil, testLogger()).EmitCodePromoted(context.Background(), &models.CanonicalCode{ID: "k1"})
		nilEmitter.EmitCodePromoted(context.Background(), &models.CanonicalCode{ID: "k1"})
	})
}
