package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"
)

// RetryConfig bounds storage-level retries.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
	}
}

// Retrier retries transient persistence failures with fibonacci backoff.
type Retrier struct {
	config RetryConfig
	logger ectologger.Logger
}

func NewRetrier(config RetryConfig, logger ectologger.Logger) *Retrier {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 50 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = time.Second
	}
	return &Retrier{config: config, logger: logger}
}

// Do runs fn until it succeeds, fails permanently, or attempts run out.
// Calls inside an open transaction are not retried since the transaction is already poisoned.
func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	if _, inTx := ctx.Value(txKey).(*Transaction); inTx {
		return fn()
	}

	a, b := 1, 1
	var err error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		wait := time.Duration(a) * r.config.BaseDelay
		if wait > r.config.MaxDelay {
			wait = r.config.MaxDelay
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"operation": op,
			"attempt":   attempt,
			"wait":      wait.String(),
		}).Warn("Transient database error, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		a, b = b, a+b
	}
	return err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08":
			return true
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			return true
		}
	}
	return false
}

// IsUniqueViolation reports a unique constraint failure (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
