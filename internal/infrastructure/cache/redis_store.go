package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	infraconfig "github.com/podworker/worker/internal/infrastructure/config"
	"github.com/podworker/worker/internal/worker"
)

// RedisStore implements worker.IdempotencyStore using Redis.
// This is suitable for fleets where several workers share the same queue and
// need to agree on which jobs have already run.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a new Redis-based idempotency store
func NewRedisStore(cfg infraconfig.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: "job:idempotency:",
	}, nil
}

// NewRedisStoreWithClient creates a store with an existing Redis client.
// This is useful for testing or when sharing a client across components.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "job:idempotency:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// MarkProcessed marks a job as processed with a TTL.
// Returns true if the job was newly marked, false if it was already processed.
// Uses SETNX for an atomic check-and-set.
func (s *RedisStore) MarkProcessed(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	key := s.keyPrefix + jobID

	result, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark job as processed: %w", err)
	}

	return result, nil
}

// IsProcessed checks if a job has already been processed
func (s *RedisStore) IsProcessed(ctx context.Context, jobID string) (bool, error) {
	key := s.keyPrefix + jobID

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check if job is processed: %w", err)
	}

	return exists > 0, nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ensure RedisStore implements IdempotencyStore
var _ worker.IdempotencyStore = (*RedisStore)(nil)
