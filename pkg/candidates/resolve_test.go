package candidates

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/appctx"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graphsync"
	"github.com/Ramsey-B/fern/pkg/models"
)

type graphWriter struct {
	mu      sync.Mutex
	down    bool
	written map[string]string
}

func (w *graphWriter) Name() string { return "memgraph" }

func (w *graphWriter) Ping(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.down {
		return errors.New("connection refused")
	}
	return nil
}

func (w *graphWriter) UpsertCode(_ context.Context, code *models.CanonicalCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.down {
		return errors.New("connection refused")
	}
	if w.written == nil {
		w.written = map[string]string{}
	}
	w.written[code.ID] = code.Label
	return nil
}

func submitPending(t *testing.T, f *fixture, label string) *models.CandidateCode {
	t.Helper()
	result, err := f.service.Submit(context.Background(), project, grounded(label, models.SourceLLM, "frag-"+label))
	require.NoError(t, err)
	return result.Candidate
}

func TestResolveValidatesAndAudits(t *testing.T) {
	f := newFixture(Config{}, nil, nil)
	ctx := appctx.SetUserID(context.Background(), "reviewer-1")
	c := submitPending(t, f, "Floods")

	resolved, err := f.service.Resolve(ctx, project, c.ID, models.ResolveRequest{Target: models.StateValidated})
	require.NoError(t, err)
	assert.Equal(t, models.StateValidated, resolved.State)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "reviewer-1", *resolved.ResolvedBy)
	assert.NotNil(t, resolved.ResolvedAt)

	history, err := f.service.History(ctx, project, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatePending, history[0].FromState)
	assert.Equal(t, models.StateValidated, history[0].ToState)
	assert.Equal(t, "reviewer-1", history[0].Actor)
}

func TestResolveRules(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture) string
		req     models.ResolveRequest
		checkFn func(error) bool
	}{
		{
			name:    "reject needs a reason",
			setup:   func(t *testing.T, f *fixture) string { return submitPending(t, f, "Floods").ID },
			req:     models.ResolveRequest{Target: models.StateRejected, Reason: "   "},
			checkFn: apperrors.IsValidation,
		},
		{
			name: "hypotheses are validated through the gate",
			setup: func(t *testing.T, f *fixture) string {
				r, err := f.service.Submit(context.Background(), project, models.CandidateInput{Label: "Trust", Source: models.SourceStructuralInference})
				require.NoError(t, err)
				return r.Candidate.ID
			},
			req:     models.ResolveRequest{Target: models.StateValidated, Evidence: &models.EvidenceInput{FragmentRef: "frag-9", Quote: "q"}},
			checkFn: apperrors.IsConflict,
		},
		{
			name: "terminal states cannot be left",
			setup: func(t *testing.T, f *fixture) string {
				c := submitPending(t, f, "Floods")
				_, err := f.service.Resolve(context.Background(), project, c.ID, models.ResolveRequest{Target: models.StateRejected, Reason: "off topic"})
				require.NoError(t, err)
				return c.ID
			},
			req:     models.ResolveRequest{Target: models.StateValidated},
			checkFn: apperrors.IsConflict,
		},
		{
			name:    "unknown candidate",
			setup:   func(_ *testing.T, _ *fixture) string { return uuid.NewString() },
			req:     models.ResolveRequest{Target: models.StateValidated},
			checkFn: apperrors.IsNotFound,
		},
		{
			name:    "merged is not a reviewer decision",
			setup:   func(t *testing.T, f *fixture) string { return submitPending(t, f, "Floods").ID },
			req:     models.ResolveRequest{Target: models.StateMerged},
			checkFn: apperrors.IsValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Config{}, nil, nil)
			id := tt.setup(t, f)

			_, err := f.service.Resolve(context.Background(), project, id, tt.req)
			require.Error(t, err)
			assert.True(t, tt.checkFn(err), "got %v", err)
		})
	}
}

func TestStateMachineRequiresGrounding(t *testing.T) {
	f := newFixture(Config{}, nil, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	// a pending row whose only evidence lacks a fragment reference
	c := &models.CandidateCode{
		ID: uuid.NewString(), ProjectID: project, Label: "Floods", NormalizedKey: "floods",
		Source: models.SourceManual, State: models.StatePending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.Candidates.Create(ctx, c))
	require.NoError(t, f.store.Evidence.Add(ctx, []models.Evidence{{
		ID: uuid.NewString(), CandidateID: c.ID, ProjectID: project, QuoteText: "water everywhere",
		ReviewState: models.EvidenceReviewPending, CreatedAt: now,
	}}))

	err := f.machine.Apply(ctx, Change{ProjectID: project, CandidateID: c.ID, From: models.StatePending, To: models.StateValidated, Actor: "reviewer-1"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	stored, err := f.store.Candidates.Get(ctx, project, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, stored.State)

	history, err := f.store.Transitions.ListByCandidate(ctx, project, c.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStateMachineOptimisticConflict(t *testing.T) {
	f := newFixture(Config{}, nil, nil)
	ctx := context.Background()
	c := submitPending(t, f, "Floods")

	require.NoError(t, f.machine.Apply(ctx, Change{ProjectID: project, CandidateID: c.ID, From: models.StatePending, To: models.StateRejected, Reason: "dup"}))

	// a second writer still believes the row is pending
	err := f.machine.Apply(ctx, Change{ProjectID: project, CandidateID: c.ID, From: models.StatePending, To: models.StateValidated})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, string(models.StateRejected), appErr.Meta["state"])
}

func TestStateMachineRefusesMergeChains(t *testing.T) {
	f := newFixture(Config{}, nil, nil)
	ctx := context.Background()
	a := submitPending(t, f, "Floods")
	b := submitPending(t, f, "Flooding")
	c := submitPending(t, f, "Inundation")

	bID := b.ID
	require.NoError(t, f.machine.Apply(ctx, Change{ProjectID: project, CandidateID: b.ID, From: models.StatePending, To: models.StateMerged, MergeTargetID: &c.ID}))

	err := f.machine.Apply(ctx, Change{ProjectID: project, CandidateID: a.ID, From: models.StatePending, To: models.StateMerged, MergeTargetID: &bID})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	err = f.machine.Apply(ctx, Change{ProjectID: project, CandidateID: a.ID, From: models.StatePending, To: models.StateMerged, MergeTargetID: &a.ID})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestPromote(t *testing.T) {
	writer := &graphWriter{}
	f := newFixture(Config{}, nil, nil)
	coordinator := graphsync.NewCoordinator(f.store.Canonical, []graphsync.Writer{writer}, testLogger(), graphsync.Config{CheckTTL: time.Nanosecond})
	f.service.graph = coordinator
	ctx := context.Background()

	c := submitPending(t, f, "Floods")
	_, err := f.service.Promote(ctx, project, c.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err), "pending candidates cannot be promoted")

	_, err = f.service.Resolve(ctx, project, c.ID, models.ResolveRequest{Target: models.StateValidated})
	require.NoError(t, err)

	code, err := f.service.Promote(ctx, project, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Floods", code.Label)
	assert.Equal(t, c.ID, code.CreatedFromCandidateID)
	assert.True(t, code.GraphSynced)
	assert.Equal(t, "Floods", writer.written[code.ID])

	again, err := f.service.Promote(ctx, project, c.ID)
	require.NoError(t, err)
	assert.Equal(t, code.ID, again.ID)

	codes, err := f.service.ListCanonical(ctx, project)
	require.NoError(t, err)
	assert.Len(t, codes, 1)
}

func TestPromoteRefusesSecondCodeForKey(t *testing.T) {
	f := newFixture(Config{AutoPromote: true}, nil, nil)
	ctx := context.Background()

	first := submitPending(t, f, "Floods")
	_, err := f.service.Resolve(ctx, project, first.ID, models.ResolveRequest{Target: models.StateValidated})
	require.NoError(t, err)

	// same key reaches validated again through a fresh row
	second := submitPending(t, f, "floods")
	_, err = f.service.Resolve(ctx, project, second.ID, models.ResolveRequest{Target: models.StateValidated})
	require.NoError(t, err)

	_, err = f.service.Promote(ctx, project, second.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestAutoPromoteSurvivesGraphOutage(t *testing.T) {
	writer := &graphWriter{down: true}
	f := newFixture(Config{AutoPromote: true}, nil, nil)
	coordinator := graphsync.NewCoordinator(f.store.Canonical, []graphsync.Writer{writer}, testLogger(), graphsync.Config{CheckTTL: time.Nanosecond})
	f.service.graph = coordinator
	ctx := context.Background()

	c := submitPending(t, f, "Floods")
	resolved, err := f.service.Resolve(ctx, project, c.ID, models.ResolveRequest{Target: models.StateValidated})
	require.NoError(t, err)
	assert.Equal(t, models.StateValidated, resolved.State)

	codes, err := f.service.ListCanonical(ctx, project)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.False(t, codes[0].GraphSynced)
	require.NotNil(t, codes[0].LastSyncError)

	status, err := coordinator.Status(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pending)
	assert.False(t, status.EngineAvailable)

	writer.mu.Lock()
	writer.down = false
	writer.mu.Unlock()

	result, err := coordinator.SyncPending(ctx, project, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 0, result.Remaining)
}

func TestRelabel(t *testing.T) {
	writer := &graphWriter{}
	f := newFixture(Config{AutoPromote: true}, nil, nil)
	f.service.graph = graphsync.NewCoordinator(f.store.Canonical, []graphsync.Writer{writer}, testLogger(), graphsync.Config{CheckTTL: time.Nanosecond})
	ctx := appctx.SetUserID(context.Background(), "curator")

	c := submitPending(t, f, "Floods")
	_, err := f.service.Resolve(ctx, project, c.ID, models.ResolveRequest{Target: models.StateValidated})
	require.NoError(t, err)
	codes, err := f.service.ListCanonical(ctx, project)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	codeID := codes[0].ID

	updated, err := f.service.Relabel(ctx, project, codeID, models.RelabelRequest{Label: " Flooding "})
	require.NoError(t, err)
	assert.Equal(t, "Flooding", updated.Label)
	assert.Equal(t, "flooding", updated.NormalizedKey)
	assert.Equal(t, "Flooding", writer.written[codeID])

	events, err := f.service.CodeEvents(ctx, project, codeID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Floods", events[0].OldLabel)
	assert.Equal(t, "Flooding", events[0].NewLabel)
	assert.Equal(t, "curator", events[0].Actor)

	_, err = f.service.Relabel(ctx, project, codeID, models.RelabelRequest{Label: "!!"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}
