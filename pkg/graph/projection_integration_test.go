package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories/memory"
	"github.com/Ramsey-B/fern/internal/testinfra"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/graphsync"
	"github.com/Ramsey-B/fern/pkg/models"
)

func TestCodeProjection(t *testing.T) {
	testinfra.SkipIfShort(t)
	endpoint := testinfra.StartMemgraph(t)
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	ctx := context.Background()

	client, err := graph.NewClient(graph.Config{Host: endpoint.Host, Port: endpoint.Port}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(ctx) })

	projection := graph.NewCodeProjection("memgraph", client, logger)
	require.Eventually(t, func() bool { return projection.Ping(ctx) == nil }, 30*time.Second, 500*time.Millisecond)

	code := &models.CanonicalCode{
		ID:                     uuid.NewString(),
		ProjectID:              "project-1",
		Label:                  "Floods",
		NormalizedKey:          "floods",
		CreatedFromCandidateID: uuid.NewString(),
		CreatedAt:              time.Now().UTC(),
		UpdatedAt:              time.Now().UTC(),
	}

	t.Run("upserts are idempotent", func(t *testing.T) {
		require.NoError(t, projection.UpsertCode(ctx, code))
		require.NoError(t, projection.UpsertCode(ctx, code))

		total, err := projection.CountCodes(ctx, "project-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
	})

	t.Run("coordinator syncs pending codes", func(t *testing.T) {
		store := memory.NewStore()
		pending := *code
		pending.ID = uuid.NewString()
		pending.ProjectID = "project-2"
		_, created, err := store.Canonical.Create(ctx, &pending)
		require.NoError(t, err)
		require.True(t, created)

		coordinator := graphsync.NewCoordinator(store.Canonical, []graphsync.Writer{projection}, logger, graphsync.Config{})
		result, err := coordinator.SyncPending(ctx, "project-2", 10)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Synced)

		status, err := coordinator.Status(ctx, "project-2")
		require.NoError(t, err)
		assert.Equal(t, 1, status.Synced)
		assert.True(t, status.EngineAvailable)

		total, err := projection.CountCodes(ctx, "project-2")
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
	})
}
