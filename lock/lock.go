// Package lock provides the distributed set-if-absent lock used to enforce
// at-most-once event processing across worker instances. The TTL is a safety
// net against a crashed holder, not an application timeout: after expiry the
// lock becomes acquirable again, which can permit duplicate processing after
// a sufficiently long partial failure. That is an accepted risk.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired reports that another holder owns the lock. It is a normal
// skip signal, not a failure.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker acquires and releases named locks on behalf of one owner.
type Locker interface {
	// Acquire takes the lock for owner with the given TTL. Returns
	// ErrNotAcquired if another owner holds it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) error

	// Release frees the lock only if owner still holds it. Releasing a
	// lock re-acquired by someone else after TTL expiry is a no-op.
	Release(ctx context.Context, key, owner string) error
}

// releaseScript deletes the key only if its value still equals the caller's
// owner id, as one atomic step on the server.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on a Redis connection using SET NX EX and a
// compare-and-delete script.
type RedisLocker struct {
	client redis.UniversalClient
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a RedisLocker over the given client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire sets key to owner if absent, with ttl.
func (l *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return ErrNotAcquired
	}
	return nil
}

// Release runs the compare-and-delete script.
func (l *RedisLocker) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// EventKey builds the per-event lock key: {prefix}:lock:event:{eventID}.
func EventKey(prefix, eventID string) string {
	return prefix + ":lock:event:" + eventID
}
