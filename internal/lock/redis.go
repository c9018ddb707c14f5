package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "kanban:lock:"

var (
	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker implements NativeLocker with SET NX PX and owner-checked
// scripts for unlock and extend.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) key(documentID string) string {
	return l.prefix + documentID
}

func (l *RedisLocker) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(key), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key, owner string) (bool, error) {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key(key)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("redis unlock: %w", err)
	}
	return n == 1, nil
}

func (l *RedisLocker) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis extend: %w", err)
	}
	return n == 1, nil
}

func (l *RedisLocker) CurrentOwner(ctx context.Context, key string) (string, time.Duration, error) {
	pipe := l.client.Pipeline()
	get := pipe.Get(ctx, l.key(key))
	pttl := pipe.PTTL(ctx, l.key(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", 0, fmt.Errorf("redis owner lookup: %w", err)
	}

	owner, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("redis get: %w", err)
	}
	remaining, err := pttl.Result()
	if err != nil {
		return owner, 0, nil
	}
	return owner, remaining, nil
}
