package postgres_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/internal/repositories/postgres"
	"github.com/Ramsey-B/fern/internal/testinfra"
	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/candidates"
	"github.com/Ramsey-B/fern/pkg/database"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
)

func migrationsDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "db", "pg")
}

func newStore(t *testing.T) *repositories.Store {
	t.Helper()
	testinfra.SkipIfShort(t)

	endpoint := testinfra.StartPostgres(t)
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	db, err := database.Open(context.Background(), database.ConnectionConfig{
		Host:         endpoint.Host,
		Port:         strconv.Itoa(endpoint.Port),
		User:         testinfra.PostgresUser,
		Password:     testinfra.PostgresPassword,
		Name:         testinfra.PostgresDatabase,
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{MigrationFolderPath: migrationsDir(t)})
	result, err := migrations.MigratePostgres(db.SQL(), testinfra.PostgresDatabase)
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Equal(t, uint(4), result.To)

	return postgres.NewStore(db, logger, database.NewRetrier(database.DefaultRetryConfig(), logger))
}

func TestPostgresStore(t *testing.T) {
	store := newStore(t)
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	machine := candidates.NewStateMachine(store, logger)
	scanner := matching.NewScanner(matching.NewHybrid(matching.DefaultHybridConfig()), logger, matching.DefaultScanConfig())
	service := candidates.NewService(logger, store, machine, scanner, nil, nil, nil, candidates.Config{})
	governor := merging.NewGovernor(logger, store, machine, nil, nil, merging.DefaultConfig())
	ctx := appctx.SetUserID(context.Background(), "reviewer-1")
	const project = "project-1"

	grounded := func(label, ref string) models.CandidateInput {
		return models.CandidateInput{
			Label:    label,
			Source:   models.SourceLLM,
			Evidence: []models.EvidenceInput{{FragmentRef: ref, Quote: "quote from " + ref}},
		}
	}

	t.Run("concurrent producers converge on one row", func(t *testing.T) {
		var wg sync.WaitGroup
		ids := make([]string, 8)
		errs := make([]error, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := service.Submit(ctx, project, grounded("Mutual aid", "frag-"+strconv.Itoa(i)))
				errs[i] = err
				if err == nil {
					ids[i] = res.Candidate.ID
				}
			}(i)
		}
		wg.Wait()

		for i := range ids {
			require.NoError(t, errs[i])
			assert.Equal(t, ids[0], ids[i])
		}
		rows, err := store.Candidates.FindByKey(ctx, project, "mutual aid", models.StatePending)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Len(t, rows[0].Evidence, 8)
	})

	t.Run("ids that are not uuids are not found", func(t *testing.T) {
		_, err := store.Candidates.Get(ctx, project, "not-a-uuid")
		assert.True(t, apperrors.IsNotFound(err))

		found, err := store.Candidates.GetMany(ctx, project, []string{"not-a-uuid", uuid.NewString()})
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("transitions are optimistic", func(t *testing.T) {
		res, err := service.Submit(ctx, project, grounded("Drought", "frag-d"))
		require.NoError(t, err)

		update := repositories.TransitionUpdate{
			ProjectID: project,
			ID:        res.Candidate.ID,
			From:      models.StatePending,
			To:        models.StateRejected,
			Actor:     "reviewer-1",
			At:        time.Now().UTC(),
		}
		ok, err := store.Candidates.Transition(ctx, update)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Candidates.Transition(ctx, update)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("resolve promote and merge", func(t *testing.T) {
		a, err := service.Submit(ctx, project, grounded("Flood risk", "frag-a"))
		require.NoError(t, err)
		b, err := service.Submit(ctx, project, grounded("Flood danger", "frag-b"))
		require.NoError(t, err)

		_, err = service.Resolve(ctx, project, a.Candidate.ID, models.ResolveRequest{Target: models.StateValidated})
		require.NoError(t, err)
		code, err := service.Promote(ctx, project, a.Candidate.ID)
		require.NoError(t, err)
		assert.False(t, code.GraphSynced)

		req := models.MergeRequest{SourceIDs: []string{b.Candidate.ID}, TargetLabel: "Flood risk", IdempotencyKey: "merge-1"}
		result, err := governor.Merge(ctx, project, req)
		require.NoError(t, err)
		assert.Equal(t, 1, result.MergedCount)
		assert.Equal(t, a.Candidate.ID, result.TargetID)

		replay, err := governor.Merge(ctx, project, req)
		require.NoError(t, err)
		assert.True(t, replay.Replayed)

		merged, err := store.Candidates.Get(ctx, project, b.Candidate.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateMerged, merged.State)
		require.NotNil(t, merged.MergeTargetID)
		assert.Equal(t, a.Candidate.ID, *merged.MergeTargetID)

		target, err := store.Candidates.Get(ctx, project, a.Candidate.ID)
		require.NoError(t, err)
		assert.Len(t, target.Evidence, 2)

		pending, synced, err := store.Canonical.SyncCounts(ctx, project)
		require.NoError(t, err)
		assert.Equal(t, 1, pending)
		assert.Zero(t, synced)
	})

	t.Run("concurrent merges never leave a chain", func(t *testing.T) {
		const other = "project-chains"
		for round := 0; round < 10; round++ {
			suffix := strconv.Itoa(round)
			x, err := service.Submit(ctx, other, grounded("Chain source "+suffix, "frag-x"+suffix))
			require.NoError(t, err)
			mid, err := service.Submit(ctx, other, grounded("Chain middle "+suffix, "frag-t"+suffix))
			require.NoError(t, err)
			_, err = service.Submit(ctx, other, grounded("Chain end "+suffix, "frag-u"+suffix))
			require.NoError(t, err)

			requests := []models.MergeRequest{
				{SourceIDs: []string{x.Candidate.ID}, TargetLabel: "Chain middle " + suffix, IdempotencyKey: "into-middle-" + suffix},
				{SourceIDs: []string{mid.Candidate.ID}, TargetLabel: "Chain end " + suffix, IdempotencyKey: "into-end-" + suffix},
			}
			var wg sync.WaitGroup
			errs := make([]error, len(requests))
			for i := range requests {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = governor.Merge(ctx, other, requests[i])
				}(i)
			}
			wg.Wait()
			for _, err := range errs {
				require.NoError(t, err)
			}
		}

		rows, err := store.Candidates.List(ctx, other, models.CandidateFilter{})
		require.NoError(t, err)
		byID := make(map[string]models.CandidateCode, len(rows))
		for _, row := range rows {
			byID[row.ID] = row
		}
		for _, row := range rows {
			if row.State != models.StateMerged {
				continue
			}
			require.NotNil(t, row.MergeTargetID)
			target, ok := byID[*row.MergeTargetID]
			require.True(t, ok)
			assert.NotEqual(t, models.StateMerged, target.State, "%s points at merged %s", row.Label, target.Label)
		}
	})

	t.Run("tasks are claimed once", func(t *testing.T) {
		task := &models.ScanTask{
			ID:        uuid.NewString(),
			ProjectID: project,
			Kind:      models.TaskKindAudit,
			OwnerID:   "reviewer-1",
			Status:    models.TaskQueued,
			Params:    json.RawMessage(`{"threshold":0.8}`),
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		require.NoError(t, store.Tasks.Create(ctx, task))

		ok, err := store.Tasks.Claim(ctx, task.ID, time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.Tasks.Claim(ctx, task.ID, time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.Tasks.Complete(ctx, task.ID, json.RawMessage(`{"clusters":[]}`), time.Now().UTC()))
		stored, err := store.Tasks.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskCompleted, stored.Status)
		assert.JSONEq(t, `{"clusters":[]}`, string(stored.Result))
	})

	t.Run("backlog stats", func(t *testing.T) {
		stats, err := store.Candidates.BacklogStats(ctx, project, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, stats.PendingCount, "mutual aid is still open")
		assert.GreaterOrEqual(t, stats.ResolvedCount, 2)
	})
}
