package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories/memory"
	"github.com/Ramsey-B/fern/pkg/appctx"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
)

type staticCatalog struct {
	entries []models.CatalogEntry
	err     error
}

func (c staticCatalog) Catalog(_ context.Context, _ string) ([]models.CatalogEntry, error) {
	return c.entries, c.err
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newRunner(catalog CatalogSource) *Runner {
	logger := testLogger()
	scanner := matching.NewScanner(matching.NewHybrid(matching.DefaultHybridConfig()), logger, matching.DefaultScanConfig())
	return NewRunner(memory.NewStore().Tasks, catalog, scanner, Config{PollInterval: 10 * time.Millisecond}, logger)
}

func catalogOf(labels ...string) staticCatalog {
	entries := make([]models.CatalogEntry, 0, len(labels))
	for i, l := range labels {
		entries = append(entries, models.CatalogEntry{ID: string(rune('a' + i)), Label: l, Kind: models.CatalogKindCandidate})
	}
	return staticCatalog{entries: entries}
}

func TestRunTaskCompletesAudit(t *testing.T) {
	runner := newRunner(catalogOf("organización social", "Organizacion Social", "falta de agua"))
	ctx := appctx.SetUserID(context.Background(), "ana")

	task, err := runner.StartAudit(ctx, "project-1", "ana", nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, task.Status)

	require.NoError(t, runner.RunTask(ctx, task.ID))

	done, err := runner.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, done.Status)

	var cp models.AuditCheckpoint
	require.NoError(t, json.Unmarshal(done.Checkpoint, &cp))
	assert.Equal(t, 3, cp.CatalogSize)

	var report models.AuditReport
	require.NoError(t, json.Unmarshal(done.Result, &report))
	assert.Equal(t, DefaultAuditThreshold, report.Threshold)
	require.Len(t, report.Clusters, 1)
	assert.Len(t, report.Clusters[0].Members, 2)
}

func TestRunTaskRecordsFailure(t *testing.T) {
	runner := newRunner(staticCatalog{err: errors.New("database is down")})
	ctx := appctx.SetUserID(context.Background(), "ana")

	task, err := runner.StartAudit(ctx, "project-1", "ana", nil)
	require.NoError(t, err)
	require.NoError(t, runner.RunTask(ctx, task.ID))

	failed, err := runner.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "database is down")
}

func TestRunTaskIsClaimedOnce(t *testing.T) {
	runner := newRunner(catalogOf("a", "b"))
	ctx := context.Background()

	task, err := runner.StartAudit(ctx, "project-1", "ana", nil)
	require.NoError(t, err)
	require.NoError(t, runner.RunTask(ctx, task.ID))

	// a second worker finds it already claimed
	require.NoError(t, runner.RunTask(ctx, task.ID))
}

func TestStartAuditValidatesThreshold(t *testing.T) {
	runner := newRunner(catalogOf())
	bad := 1.5

	_, err := runner.StartAudit(context.Background(), "project-1", "ana", &bad)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestGetTaskOwnership(t *testing.T) {
	runner := newRunner(catalogOf())
	task, err := runner.StartAudit(context.Background(), "project-1", "ana", nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		user    string
		role    string
		visible bool
	}{
		{name: "owner", user: "ana", visible: true},
		{name: "admin", user: "root", role: appctx.RoleAdmin, visible: true},
		{name: "other user", user: "bob", visible: false},
		{name: "other user with reviewer role", user: "bob", role: "reviewer", visible: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := appctx.SetUserRole(appctx.SetUserID(context.Background(), tt.user), tt.role)
			got, err := runner.GetTask(ctx, task.ID)
			if tt.visible {
				require.NoError(t, err)
				assert.Equal(t, task.ID, got.ID)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.IsNotFound(err))
		})
	}
}

func TestRunnerPicksUpQueuedTasks(t *testing.T) {
	runner := newRunner(catalogOf("a", "b"))
	ctx := appctx.SetUserID(context.Background(), "ana")

	// queued before the runner starts, as if by another instance
	task, err := runner.StartAudit(ctx, "project-1", "ana", nil)
	require.NoError(t, err)

	require.NoError(t, runner.Start(context.Background()))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, runner.Stop(stopCtx))
	}()

	assert.Eventually(t, func() bool {
		got, err := runner.GetTask(ctx, task.ID)
		return err == nil && got.Status == models.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStaleRunningTaskIsRequeued(t *testing.T) {
	logger := testLogger()
	store := memory.NewStore()
	scanner := matching.NewScanner(matching.NewHybrid(matching.DefaultHybridConfig()), logger, matching.DefaultScanConfig())
	runner := NewRunner(store.Tasks, catalogOf("agua", "Agua"), scanner, Config{StaleAfter: time.Minute}, logger)
	ctx := appctx.SetUserID(context.Background(), "ana")

	orphaned, err := runner.StartAudit(ctx, "project-1", "ana", nil)
	require.NoError(t, err)
	live, err := runner.StartAudit(ctx, "project-1", "ana", nil)
	require.NoError(t, err)

	// a worker claimed both and then went away; only the live one kept its lease
	start := time.Now().UTC()
	claimed, err := store.Tasks.Claim(ctx, orphaned.ID, start.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = store.Tasks.Claim(ctx, live.ID, start.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.Tasks.Heartbeat(ctx, live.ID, start))

	runner.requeueStale(ctx)

	stored, err := runner.GetTask(ctx, orphaned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, stored.Status)
	stored, err = runner.GetTask(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, stored.Status)

	require.NoError(t, runner.RunTask(ctx, orphaned.ID))
	stored, err = runner.GetTask(ctx, orphaned.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, stored.Status)
}
