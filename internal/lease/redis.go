package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisClient is the subset of *redis.Client the lease needs.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisLease is a Manager backed by SET NX PX, which is atomic on the server.
type RedisLease struct {
	client redisClient
	closer func() error
	logger *slog.Logger
}

// NewRedisLease connects to redisURL and verifies the connection.
func NewRedisLease(ctx context.Context, redisURL string, logger *slog.Logger) (*RedisLease, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	l := newRedisLease(client, logger)
	l.closer = client.Close
	return l, nil
}

func newRedisLease(client redisClient, logger *slog.Logger) *RedisLease {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLease{client: client, logger: logger.With("component", "lease", "backend", "redis")}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lease ttl must be positive")
	}
	granted, err := l.client.SetNX(ctx, key, uuid.NewString(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !granted {
		l.logger.Debug("lease not granted", "key", key)
	}
	return granted, nil
}

func (l *RedisLease) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying connection.
func (l *RedisLease) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer()
}
