// Package postgres implements the repositories over sqlx and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/internal/repositories"
	"github.com/Ramsey-B/fern/pkg/database"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
)

type base struct {
	db      database.DB
	logger  ectologger.Logger
	retrier *database.Retrier
}

// exec runs fn with retries against the transaction on ctx, or the pool.
func (b *base) exec(ctx context.Context, op string, fn func(q database.Querier) error) error {
	return b.retrier.Do(ctx, op, func() error {
		return fn(b.db.Conn(ctx))
	})
}

// storageError renders as a plain 500 while keeping the driver error in the
// chain for database.IsTransient.
type storageError struct {
	*httperror.HTTPError
	cause error
}

func (e *storageError) Unwrap() []error {
	return []error{e.HTTPError, e.cause}
}

// failure logs an unexpected persistence error and hides its detail from callers.
func (b *base) failure(ctx context.Context, err error, msg string, fields map[string]any) error {
	b.logger.WithContext(ctx).WithError(err).WithFields(fields).Error(msg)
	return &storageError{HTTPError: httperror.NewHTTPError(http.StatusInternalServerError, msg), cause: err}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type txManager struct {
	db      database.DB
	retrier *database.Retrier
}

// WithinTx retries the whole transaction on serialization failures and
// dropped connections.
func (m *txManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.retrier.Do(ctx, "postgres.WithinTx", func() error {
		return database.WithinTx(ctx, m.db, fn)
	})
}

// NewStore builds every repository over db.
func NewStore(db database.DB, logger ectologger.Logger, retrier *database.Retrier) *repositories.Store {
	b := base{db: db, logger: logger, retrier: retrier}
	return &repositories.Store{
		Tx:          &txManager{db: db, retrier: retrier},
		Candidates:  &CandidateRepository{base: b},
		Evidence:    &EvidenceRepository{base: b},
		Transitions: &TransitionRepository{base: b},
		Canonical:   &CanonicalRepository{base: b},
		Merges:      &MergeRepository{base: b},
		Tasks:       &TaskRepository{base: b},
		Ping:        db.PingContext,
	}
}

// validID reports whether id can match a UUID column. Other values cannot
// exist and would fail the query with a cast error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func validIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if validID(id) {
			out = append(out, id)
		}
	}
	return out
}

func notFound(kind, id string) error {
	return apperrors.NotFound("%s %s not found", kind, id).With(fmt.Sprintf("%s_id", kind), id)
}
