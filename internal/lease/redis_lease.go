// Package lease provides Redis-backed mutual exclusion for background sweeps.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"claporcrap/api/internal/util"
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease hands out named, expiring leases
type RedisLease struct {
	client *redis.Client
	prefix string
}

// NewRedisLease connects to Redis and verifies the connection
func NewRedisLease(redisURL string) (*RedisLease, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLeaseWithClient(client), nil
}

// NewRedisLeaseWithClient wraps an existing Redis client
func NewRedisLeaseWithClient(client *redis.Client) *RedisLease {
	return &RedisLease{
		client: client,
		prefix: "claporcrap:lease:",
	}
}

func (l *RedisLease) key(name string) string {
	return l.prefix + name
}

// Acquire takes the named lease for ttl. ok is false when another holder
// has it; token must be passed to Release.
func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := util.NewID("lease")
	ok, err := l.client.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release gives the lease back if token still owns it
func (l *RedisLease) Release(ctx context.Context, name, token string) error {
	if token == "" {
		return errors.New("release lease: empty token")
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// Close closes the Redis connection
func (l *RedisLease) Close() error {
	return l.client.Close()
}

// Ping checks if Redis is reachable
func (l *RedisLease) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
