package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	fernerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/redis"
)

// RedisLocker takes one Redis lock per key so that several service
// instances serialize on the same records.
type RedisLocker struct {
	locker *redis.Locker
	logger ectologger.Logger
	ttl    time.Duration
	wait   time.Duration
}

func NewRedisLocker(locker *redis.Locker, logger ectologger.Logger, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{locker: locker, logger: logger, ttl: ttl, wait: wait}
}

func (r *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = sortedUnique(keys)
	held := make([]*redis.Lock, 0, len(keys))

	releaseAll := func() {
		// release with a fresh context so a cancelled request still frees its keys
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Release(releaseCtx); err != nil {
				r.logger.WithContext(ctx).WithError(err).WithField("key", held[i].Key()).Warn("Failed to release lock")
			}
		}
	}

	for _, key := range keys {
		lock, err := r.locker.TryAcquire(ctx, key, r.ttl, r.wait)
		if err != nil {
			releaseAll()
			if errors.Is(err, redis.ErrLockNotAcquired) {
				return nil, fernerrors.Newf(fernerrors.KindConflict, "%s is locked by another operation", key)
			}
			return nil, err
		}
		held = append(held, lock)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(ctx, held, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseAll()
		})
	}, nil
}

// keepAlive extends the held locks at half their TTL until stop is closed,
// so long merges and runs do not lose their keys mid-transaction.
func (r *RedisLocker) keepAlive(ctx context.Context, held []*redis.Lock, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := r.ttl / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	extendCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, lock := range held {
				if err := lock.Extend(extendCtx, r.ttl); err != nil {
					r.logger.WithContext(ctx).WithError(err).WithField("key", lock.Key()).Warn("Failed to extend lock")
				}
			}
		}
	}
}
