package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/Ramsey-B/fern/pkg/errors"
)

var (
	// ErrLockNotAcquired means another instance holds the key
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld means the lock expired or was taken over before release
	ErrLockNotHeld = errors.New("lock not held")
)

const (
	defaultKeyPrefix = "fern:lock:"
	releaseTimeout   = 2 * time.Second
)

// compare-and-delete so a holder whose TTL lapsed cannot free a successor's lock
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is one held key. Token identifies the holder.
type Lock struct {
	locker     *Locker
	key        string
	token      string
	acquiredAt time.Time
}

// Locker hands out TTL-bounded exclusive locks under a shared key prefix
type Locker struct {
	client    *Client
	keyPrefix string
}

func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Locker{client: client, keyPrefix: keyPrefix}
}

// Acquire takes key for at most ttl. It does not wait: a held key returns
// ErrLockNotAcquired immediately.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lock := &Lock{
		locker: l,
		key:    l.keyPrefix + key,
		token:  uuid.NewString(),
	}

	ok, err := l.client.rdb.SetNX(ctx, lock.key, lock.token, ttl).Result()
	if err != nil {
		return nil, apperrors.DependencyUnavailable(dependencyName, err).With("lock", key)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	lock.acquiredAt = time.Now()
	l.client.logger.WithContext(ctx).WithFields(map[string]any{
		"lock": lock.key,
		"ttl":  ttl.String(),
	}).Debug("Lock acquired")
	return lock, nil
}

// Release frees the key if this holder still owns it
func (lock *Lock) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, lock.locker.client.rdb, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return apperrors.DependencyUnavailable(dependencyName, err).With("lock", lock.key)
	}
	if deleted == 0 {
		return ErrLockNotHeld
	}

	lock.locker.client.logger.WithContext(ctx).WithFields(map[string]any{
		"lock": lock.key,
		"held": time.Since(lock.acquiredAt).String(),
	}).Debug("Lock released")
	return nil
}

// WithLock runs fn while holding key. fn is not run when another holder has
// the key; the caller sees ErrLockNotAcquired.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	lock, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		// a cancelled request still frees the key
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			l.client.logger.WithContext(ctx).WithError(err).WithField("lock", lock.key).
				Warn("Lock expired before fn finished or could not be released")
		}
	}()

	return fn()
}
