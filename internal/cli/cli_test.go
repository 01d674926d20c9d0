package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("STARTUP_MAX_ATTEMPTS", "1")
	t.Setenv("GRAPH_HOST", "")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("KAFKA_BROKERS", "")

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", t.TempDir()+"/none.env"))
	err := cmd.Execute()
	return out.String(), err
}

func TestBacklogCommand(t *testing.T) {
	out, err := run(t, "backlog", "--project", "project-1", "--threshold-count", "10")
	require.NoError(t, err)

	var snapshot models.BacklogSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snapshot))
	assert.Equal(t, "project-1", snapshot.ProjectID)
	assert.Equal(t, 10, snapshot.ThresholdCount)
	assert.Zero(t, snapshot.PendingCount)
}

func TestAuditCommand(t *testing.T) {
	out, err := run(t, "audit", "--project", "project-1", "--threshold", "0.9")
	require.NoError(t, err)

	var report models.AuditReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "project-1", report.ProjectID)
	assert.Equal(t, 0.9, report.Threshold)
	assert.Zero(t, report.CatalogSize)
}

func TestAuditCommandRejectsThreshold(t *testing.T) {
	_, err := run(t, "audit", "--project", "project-1", "--threshold", "1.5")
	require.Error(t, err)
}

func TestGraphSyncCommand(t *testing.T) {
	out, err := run(t, "graph-sync", "--project", "project-1", "--batch-size", "5")
	require.NoError(t, err)

	var result models.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
}

func TestProjectIsRequired(t *testing.T) {
	_, err := run(t, "backlog")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project")
}

func TestMigrateWithMemoryDriver(t *testing.T) {
	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Empty(t, out)
}
