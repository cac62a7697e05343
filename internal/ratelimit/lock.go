package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyJobLock = "lock:job:%s"

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var ErrLockNotConfigured = errors.New("lock client not configured")

// Locker hands out short-lived exclusive leases so only one replica runs a job.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

// Lease is held until Release or until its TTL lapses.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// Acquire returns a nil lease without error when another holder owns the lock.
func (l *Locker) Acquire(ctx context.Context, job string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	if job == "" {
		return nil, errors.New("lock job name is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	key := fmt.Sprintf(keyJobLock, job)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Release deletes the lock only if this lease still owns it.
func (lease *Lease) Release(ctx context.Context) error {
	if lease == nil || lease.locker == nil {
		return nil
	}
	return lease.locker.script.Run(ctx, lease.locker.client, []string{lease.key}, lease.token).Err()
}
