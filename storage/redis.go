package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps the Redis client with webhook dedup and scheduler lock
// operations. Both are fast paths only; correctness always rests on the
// database's conditional writes.
type RedisClient struct {
	client *redis.Client
	prefix string
}

// NewRedisClient creates a new Redis client.
func NewRedisClient(addr, password, prefix string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Redis client initialized successfully", "addr", addr)
	return &RedisClient{client: client, prefix: prefix}, nil
}

// NewRedisClientFromExisting wraps an already-configured client, used in tests.
func NewRedisClientFromExisting(client *redis.Client, prefix string) *RedisClient {
	return &RedisClient{client: client, prefix: prefix}
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", r.prefix, eventID)
}

// SeenEvent reports whether a webhook event id was already processed.
func (r *RedisClient) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event in Redis: %w", err)
	}
	return n > 0, nil
}

// MarkEventSeen records a processed webhook event id with a TTL.
func (r *RedisClient) MarkEventSeen(ctx context.Context, eventID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.eventKey(eventID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark event in Redis: %w", err)
	}
	slog.Debug("Webhook event marked as seen", "event_id", eventID)
	return nil
}

// TryLock acquires a named lock for ttl, returning false when another holder
// has it. Used to keep scheduler sweeps from overlapping across instances.
func (r *RedisClient) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, fmt.Sprintf("%slock:%s", r.prefix, name), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock in Redis: %w", err)
	}
	return ok, nil
}

// Unlock releases a named lock.
func (r *RedisClient) Unlock(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, fmt.Sprintf("%slock:%s", r.prefix, name)).Err(); err != nil {
		return fmt.Errorf("failed to release lock in Redis: %w", err)
	}
	return nil
}
