package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
)

type failingQuerier struct {
	database.Querier
	err   error
	calls int
}

func (q *failingQuerier) GetContext(context.Context, any, string, ...any) error {
	q.calls++
	return q.err
}

type failingDB struct {
	database.DB
	querier *failingQuerier
	begun   int
}

func (d *failingDB) Conn(context.Context) database.Querier {
	return d.querier
}

func (d *failingDB) PingContext(context.Context) error {
	return nil
}

func (d *failingDB) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	d.begun++
	return ctx, &nopTx{Querier: d.querier}, nil
}

type nopTx struct {
	database.Querier
}

func (*nopTx) IsOpen() bool                   { return true }
func (*nopTx) Commit(context.Context) error   { return nil }
func (*nopTx) Rollback(context.Context) error { return nil }

func TestFailureKeepsDriverError(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	tests := []struct {
		name      string
		err       error
		transient bool
		calls     int
	}{
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, transient: true, calls: 3},
		{name: "deadlock", err: fmt.Errorf("select: %w", &pq.Error{Code: "40P01"}), transient: true, calls: 3},
		{name: "connection lost", err: &pq.Error{Code: "08006"}, transient: true, calls: 3},
		{name: "syntax error", err: &pq.Error{Code: "42601"}, transient: false, calls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			querier := &failingQuerier{err: tt.err}
			retrier := database.NewRetrier(database.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, logger)
			store := NewStore(&failingDB{querier: querier}, logger, retrier)

			_, err := store.Candidates.Get(context.Background(), "project-1", uuid.NewString())
			require.Error(t, err)
			assert.Equal(t, tt.transient, database.IsTransient(err))
			assert.Equal(t, tt.calls, querier.calls)

			var pqErr *pq.Error
			require.ErrorAs(t, err, &pqErr)
		})
	}
}

func TestWithinTxRetriesTransientStatementErrors(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	querier := &failingQuerier{err: &pq.Error{Code: "40001"}}
	db := &failingDB{querier: querier}
	retrier := database.NewRetrier(database.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, logger)
	store := NewStore(db, logger, retrier)

	err := store.Tx.WithinTx(context.Background(), func(ctx context.Context) error {
		_, err := store.Candidates.Get(ctx, "project-1", uuid.NewString())
		return err
	})
	require.Error(t, err)
	assert.True(t, database.IsTransient(err))
	assert.Equal(t, 2, db.begun)
}
