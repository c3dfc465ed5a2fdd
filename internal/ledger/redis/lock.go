package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ticket-ledger/internal/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "ledger_lock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock that was taken over by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a lock table shared by every ledger replica. Each key is a
// SET NX entry holding a per-acquisition token with a TTL.
type Locker struct {
	Client *redis.Client
	Logger *logger.Logger
	TTL    time.Duration
	Retry  time.Duration
}

func NewLocker(client *redis.Client, log *logger.Logger, ttl, retry time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &Locker{
		Client: client,
		Logger: log,
		TTL:    ttl,
		Retry:  retry,
	}
}

// TryLock takes key once without waiting.
func (l *Locker) TryLock(ctx context.Context, key, token string) (bool, error) {
	return l.Client.SetNX(ctx, keyPrefix+key, token, l.TTL).Result()
}

// Unlock releases key if it is still held with token.
func (l *Locker) Unlock(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, l.Client, []string{keyPrefix + key}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Acquire polls until key is taken or ctx is done. Release ignores the
// caller's cancellation so a canceled request never leaks the lock.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()

	ticker := time.NewTicker(l.Retry)
	defer ticker.Stop()

	for {
		ok, err := l.TryLock(ctx, key, token)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := l.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
				l.Logger.Error("REDIS", fmt.Sprintf("Failed to release lock %s: %v", key, err))
			}
		})
	}, nil
}
