package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/ReminderPipe/internal/util"
)

// DefaultRetryInterval is how often RedisLocker polls a held lock.
const DefaultRetryInterval = 50 * time.Millisecond

// ErrLockLost is returned on release when the lock expired and was taken
// by someone else.
var ErrLockLost = errors.New("lock expired before release")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements DistributedLocker with SET NX PX and a
// token-checked release.
type RedisLocker struct {
	client        redis.UniversalClient
	prefix        string
	retryInterval time.Duration
}

var _ DistributedLocker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker whose keys live under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix + "lock:", retryInterval: DefaultRetryInterval}
}

// Acquire implements DistributedLocker.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	full := l.prefix + key
	token := util.GenerateRandomHex(32)
	for {
		ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire %s: %w", full, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{full}, token).Int()
		if err != nil {
			return fmt.Errorf("failed to release %s: %w", full, err)
		}
		if n == 0 {
			return ErrLockLost
		}
		return nil
	}, nil
}
