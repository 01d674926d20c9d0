package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestRollbackKeepsWritesMadeOutsideTheTransaction(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	txErr := make(chan error, 1)
	go func() {
		txErr <- store.Tx.WithinTx(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return errors.New("boom")
		})
	}()
	<-started

	task := &models.ScanTask{ID: "task-1", ProjectID: "project-1", Kind: models.TaskKindAudit, Status: models.TaskQueued}
	written := make(chan error, 1)
	go func() {
		written <- store.Tasks.Create(ctx, task)
	}()

	select {
	case <-written:
		t.Fatal("write outside the transaction finished before it ended")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.Error(t, <-txErr)
	require.NoError(t, <-written)

	stored, err := store.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, stored.Status)
}

func TestTransactionRollsBackItsOwnWrites(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	err := store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, store.Tasks.Create(ctx, &models.ScanTask{ID: "task-1", Status: models.TaskQueued}))
		return errors.New("boom")
	})
	require.Error(t, err)

	_, err = store.Tasks.Get(ctx, "task-1")
	assert.Error(t, err)
}
