package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrUnavailable reports that the Redis server did not answer the startup ping.
var ErrUnavailable = errors.New("platform/cache: redis unavailable")

// New creates a Redis client and pings it. The client is returned even when
// the ping fails, with an error wrapping ErrUnavailable, so callers that can
// run without Redis keep a client that recovers once the server is back.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return client, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, addr, err)
	}

	return client, nil
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive locks stored in Redis.
type Locker struct {
	client *redis.Client
}

// NewLocker wraps client.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// TryLock takes key for ttl. It reports false when another holder owns the
// key. The returned release is a no-op once the lock has expired and been
// taken by someone else.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("platform/cache: locker not configured")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("platform/cache: lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("platform/cache: unlock %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}
