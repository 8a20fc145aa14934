// Package distlock serializes mailbox ownership across processes: one
// service instance replicates a given mailbox at a time. Redis backs the
// lease when configured; otherwise a lock file under the state directory
// covers the single-host case.
package distlock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a renewable exclusive lease.
type Lock interface {
	// Acquire tries to take the lease without blocking. Returns true when
	// this process now holds it.
	Acquire(ctx context.Context) (bool, error)
	// Extend renews the lease while work is still in progress.
	Extend(ctx context.Context, ttl time.Duration) error
	// Release gives the lease up if this process still owns it.
	Release(ctx context.Context) error
}

// New picks the backend: Redis when a client is configured, otherwise a
// lock file at path.
func New(rdb *redis.Client, path, key string, ttl time.Duration) Lock {
	if rdb != nil {
		return NewRedisLock(rdb, key, ttl)
	}
	return NewFileLock(path, ttl)
}
