package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/lock"
	goredis "github.com/redis/go-redis/v9"
)

var errVanished = errors.New("lock refused but key absent")

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements lock.Locker with SET NX PX.
type Locker struct {
	client goredis.UniversalClient
	prefix string
}

var _ lock.Locker = (*Locker)(nil)

// NewLocker creates a Locker that namespaces keys with prefix.
func NewLocker(client goredis.UniversalClient, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lease, error) {
	full := l.prefix + "lock:" + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		// SETNX refused but the key is gone: the backend is inconsistent, not held.
		n, err := l.client.Exists(ctx, full).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("acquire %s: %w", key, errVanished)
		}
		return nil, lock.ErrHeld
	}

	return lock.NewLease(key, func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{full}, token).Err(); err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		return nil
	}), nil
}
