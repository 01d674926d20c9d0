package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testinfra"
	"github.com/Ramsey-B/fern/pkg/redis"
)

func newLocker(t *testing.T) *redis.Locker {
	t.Helper()
	testinfra.SkipIfShort(t)

	endpoint := testinfra.StartRedis(t)
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	client, err := redis.NewClient(redis.Config{Host: endpoint.Host, Port: endpoint.Port}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return redis.NewLocker(client, "fern-test:")
}

func TestWithLockIsExclusive(t *testing.T) {
	locker := newLocker(t)
	ctx := context.Background()

	err := locker.WithLock(ctx, "merge:p1:key-1", time.Minute, func() error {
		inner := locker.WithLock(ctx, "merge:p1:key-1", time.Minute, func() error {
			t.Fatal("second holder must not run")
			return nil
		})
		assert.ErrorIs(t, inner, redis.ErrLockNotAcquired)

		// other keys are independent
		return locker.WithLock(ctx, "merge:p1:key-2", time.Minute, func() error { return nil })
	})
	require.NoError(t, err)

	ran := false
	require.NoError(t, locker.WithLock(ctx, "merge:p1:key-1", time.Minute, func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran, "the key is free again after release")
}

func TestWithLockReleasesOnError(t *testing.T) {
	locker := newLocker(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := locker.WithLock(ctx, "graph-sync:p1", time.Minute, func() error { return boom })
	assert.ErrorIs(t, err, boom)

	require.NoError(t, locker.WithLock(ctx, "graph-sync:p1", time.Minute, func() error { return nil }))
}

func TestLockExpires(t *testing.T) {
	locker := newLocker(t)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "short", 100*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		again, err := locker.Acquire(ctx, "short", time.Minute)
		if err != nil {
			return false
		}
		_ = again.Release(ctx)
		return true
	}, 5*time.Second, 50*time.Millisecond)

	assert.ErrorIs(t, lock.Release(ctx), redis.ErrLockNotHeld)
}
