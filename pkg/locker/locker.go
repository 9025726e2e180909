package locker

import (
	"context"
	"time"

	"metergate/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("locker", fx.Provide(New))

// TaskLocker hands out short-lived advisory locks keyed by task name so
// a scheduled task never runs while a previous invocation is still in
// flight. The TTL bounds lock lifetime if a holder dies without
// releasing.
type TaskLocker struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *TaskLocker {
	return &TaskLocker{rdb: rdb}
}

// TryLock acquires the lock for taskName, returning false when another
// run already holds it.
func (l *TaskLocker) TryLock(ctx context.Context, taskName string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, rediskey.BuildTaskLockKey(taskName), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (l *TaskLocker) Unlock(ctx context.Context, taskName string) error {
	return l.rdb.Del(ctx, rediskey.BuildTaskLockKey(taskName)).Err()
}
