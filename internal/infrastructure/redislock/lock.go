// Package redislock serializes work on a key across processes.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrNotObtained is returned when another holder owns the key.
var ErrNotObtained = errors.New("lock not obtained")

const keyPrefix = "finsync:lock:"

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// ReleaseFunc releases an obtained lock.
type ReleaseFunc func(ctx context.Context) error

// Locker hands out exclusive, expiring locks.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error)
}

// Config holds the Redis connection settings
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Connect creates a Redis client and verifies the connection
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisLocker implements Locker with SET NX PX and a compare-and-delete release.
type RedisLocker struct {
	client   redis.Cmdable
	newToken func() string
}

var _ Locker = (*RedisLocker)(nil)

func New(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client, newToken: uuid.NewString}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, error) {
	fullKey := keyPrefix + key
	token := l.newToken()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotObtained
	}

	return func(ctx context.Context) error {
		if err := l.client.Eval(ctx, releaseScript, []string{fullKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}, nil
}

// NopLocker always grants the lock. Used when Redis is not configured.
type NopLocker struct{}

var _ Locker = NopLocker{}

func (NopLocker) Obtain(context.Context, string, time.Duration) (ReleaseFunc, error) {
	return func(context.Context) error { return nil }, nil
}
