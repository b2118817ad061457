package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// Locker hands out Redis-backed distributed mutexes
type Locker struct {
	rs *redsync.Redsync
}

// NewLocker creates a redsync locker on c
func NewLocker(c *Client) *Locker {
	return &Locker{rs: redsync.New(goredis.NewPool(c.GetClient()))}
}

// TryLock takes name for ttl without retrying.
// The returned func releases it.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	mutex := l.rs.NewMutex("lock:"+name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return func(ctx context.Context) error {
		if _, err := mutex.UnlockContext(ctx); err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}, nil
}
