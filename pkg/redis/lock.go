package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockPrefix = "fern:lock:"
	minRetryBackoff   = 10 * time.Millisecond
	maxRetryBackoff   = 500 * time.Millisecond
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld means the key expired or was taken over by another token.
	ErrLockNotHeld = errors.New("lock not held")
)

// Both scripts only touch the key while it still carries the caller's token.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker hands out SET NX locks under a common key prefix.
type Locker struct {
	client *Client
	prefix string
}

func NewLocker(client *Client, prefix string) *Locker {
	if prefix == "" {
		prefix = defaultLockPrefix
	}
	return &Locker{client: client, prefix: prefix}
}

// Lock is a held key. The token proves ownership on release and extend.
type Lock struct {
	client *Client
	key    string
	token  string
}

func (lock *Lock) Key() string {
	return lock.key
}

// Acquire makes a single attempt.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lock := &Lock{client: l.client, key: l.prefix + key, token: uuid.NewString()}

	ok, err := l.client.rdb.SetNX(ctx, lock.key, lock.token, ttl).Result()
	switch {
	case err != nil:
		return nil, err
	case !ok:
		return nil, ErrLockNotAcquired
	}

	l.client.logger.WithContext(ctx).WithField("key", lock.key).Debug("Lock acquired")
	return lock, nil
}

// TryAcquire keeps attempting until wait elapses, doubling the pause between
// attempts up to maxRetryBackoff. A zero wait makes exactly one attempt.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	deadline := time.Now().Add(wait)
	pause := minRetryBackoff

	for {
		lock, err := l.Acquire(ctx, key, ttl)
		if !errors.Is(err, ErrLockNotAcquired) {
			return lock, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrLockNotAcquired
		}

		timer := time.NewTimer(min(pause, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		pause = min(pause*2, maxRetryBackoff)
	}
}

func (lock *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lock.client.rdb, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	lock.client.logger.WithContext(ctx).WithField("key", lock.key).Debug("Lock released")
	return nil
}

// Extend resets the TTL of a lock that is still held.
func (lock *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, lock.client.rdb, []string{lock.key}, lock.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
