package graphsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/internal/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeWriter struct {
	name string

	mu      sync.Mutex
	down    bool
	written []string
	pings   int
}

func (w *fakeWriter) Name() string { return w.name }

func (w *fakeWriter) Ping(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pings++
	if w.down {
		return errors.New("connection refused")
	}
	return nil
}

func (w *fakeWriter) UpsertCode(_ context.Context, code *models.CanonicalCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.down {
		return errors.New("connection refused")
	}
	w.written = append(w.written, code.ID)
	return nil
}

func (w *fakeWriter) setDown(down bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.down = down
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func seedCode(t *testing.T, store *repositories.Store, projectID, label string) *models.CanonicalCode {
	t.Helper()
	now := time.Now().UTC()
	code, _, err := store.Canonical.Create(context.Background(), &models.CanonicalCode{
		ID:                     uuid.NewString(),
		ProjectID:              projectID,
		Label:                  label,
		NormalizedKey:          label,
		CreatedFromCandidateID: uuid.NewString(),
		CreatedAt:              now,
		UpdatedAt:              now,
	})
	require.NoError(t, err)
	return code
}

func newCoordinator(store *repositories.Store, writers ...Writer) *Coordinator {
	return NewCoordinator(store.Canonical, writers, testLogger(), Config{CheckTTL: time.Nanosecond})
}

func TestOnPromotedDegraded(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := &fakeWriter{name: "memgraph", down: true}
	coord := newCoordinator(store, writer)

	code := seedCode(t, store, "p1", "inundaciones")
	attempts := coord.OnPromoted(ctx, code)
	assert.Empty(t, attempts)

	status, err := coord.Status(ctx, "p1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, status.Pending, 1)
	assert.Equal(t, 1, status.Total)
	assert.False(t, status.EngineAvailable)

	stored, err := store.Canonical.Get(ctx, "p1", code.ID)
	require.NoError(t, err)
	assert.False(t, stored.GraphSynced)
	require.NotNil(t, stored.LastSyncError)
}

func TestOnPromotedFallsBackInOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	primary := &fakeWriter{name: "primary"}
	fallback := &fakeWriter{name: "fallback"}
	coord := newCoordinator(store, primary, fallback)

	code := seedCode(t, store, "p1", "vivienda")
	primary.setDown(true)

	attempts := coord.OnPromoted(ctx, code)
	require.Len(t, attempts, 2)
	assert.Equal(t, "primary", attempts[0].Writer)
	assert.Error(t, attempts[0].Err)
	assert.Equal(t, "fallback", attempts[1].Writer)
	assert.True(t, attempts[1].OK())
	assert.Equal(t, []string{code.ID}, fallback.written)

	stored, err := store.Canonical.Get(ctx, "p1", code.ID)
	require.NoError(t, err)
	assert.True(t, stored.GraphSynced)
}

func TestSyncPendingAfterRecovery(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := &fakeWriter{name: "memgraph", down: true}
	coord := newCoordinator(store, writer)

	for _, label := range []string{"agua", "salud", "vivienda"} {
		coord.OnPromoted(ctx, seedCode(t, store, "p1", label))
	}

	result, err := coord.SyncPending(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Synced)
	assert.Equal(t, 3, result.Remaining)

	writer.setDown(false)

	result, err = coord.SyncPending(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 1, result.Remaining)

	result, err = coord.SyncPending(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 0, result.Remaining)

	status, err := coord.Status(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatus{Pending: 0, Synced: 3, Total: 3, EngineAvailable: true}, *status)
}

func TestAvailabilityIsCached(t *testing.T) {
	writer := &fakeWriter{name: "memgraph"}
	coord := NewCoordinator(memory.NewStore().Canonical, []Writer{writer}, testLogger(), Config{CheckTTL: time.Hour})

	for i := 0; i < 5; i++ {
		assert.True(t, coord.Available(context.Background()))
	}
	assert.Equal(t, 1, writer.pings)
}

func TestNoWritersIsUnavailable(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	coord := newCoordinator(store)

	code := seedCode(t, store, "p1", "agua")
	assert.NotPanics(t, func() { coord.OnPromoted(ctx, code) })

	status, err := coord.Status(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pending)
	assert.False(t, status.EngineAvailable)
}
