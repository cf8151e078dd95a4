package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotOwned is returned when releasing a lock held by someone else.
var ErrLockNotOwned = errors.New("lock not owned by caller")

// Locker hands out short-lived exclusive locks identified by key.
type Locker interface {
	// TryLock returns the owner token when the lock was acquired.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error)
	Unlock(ctx context.Context, key, owner string) error
}

// unlockScript deletes the key only if it still holds the caller's token.
var unlockScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return 0
end
if v == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return -1
`)

// RedisLocker implements Locker with SET NX and an owner token.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, owner, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return false, "", nil
	}
	return true, owner, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key, owner string) error {
	res, err := unlockScript.Run(ctx, l.client, []string{l.prefix + key}, owner).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	switch res {
	case -1:
		return ErrLockNotOwned
	default:
		// 0 means the lock already expired; nothing left to release.
		return nil
	}
}

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localLock
	clock func() time.Time
}

type localLock struct {
	owner   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLock), clock: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return false, "", nil
	}
	owner := uuid.NewString()
	l.held[key] = localLock{owner: owner, expires: now.Add(ttl)}
	return true, owner, nil
}

func (l *LocalLocker) Unlock(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.held[key]
	if !ok {
		return nil
	}
	if cur.owner != owner {
		return ErrLockNotOwned
	}
	delete(l.held, key)
	return nil
}
