package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/failure"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const payloadKeyPrefix = "sync_payload:"

// RedisPayloadStore keeps queue payloads in redis under generated keys.
type RedisPayloadStore struct {
	client *redis.Client
}

// NewRedisClient builds a client from the redis section.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// NewRedisPayloadStore builds a store. Payloads never expire: a queue entry
// may reference one for as long as the device stays offline.
func NewRedisPayloadStore(client *redis.Client) *RedisPayloadStore {
	return &RedisPayloadStore{client: client}
}

func (r *RedisPayloadStore) Save(ctx context.Context, data []byte) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}
	key := uuid.NewString()
	if err := r.client.Set(ctx, payloadKeyPrefix+key, data, 0).Err(); err != nil {
		return "", fmt.Errorf("failed to save payload in redis: %w", err)
	}
	return key, nil
}

func (r *RedisPayloadStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, payloadKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", failure.ErrPayloadNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payload from redis: %w", err)
	}
	return val, nil
}

// Copy duplicates a payload under a new key.
func (r *RedisPayloadStore) Copy(ctx context.Context, key string) (string, error) {
	data, err := r.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return r.Save(ctx, data)
}

// Remove is idempotent.
func (r *RedisPayloadStore) Remove(ctx context.Context, key string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, payloadKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete payload from redis: %w", err)
	}
	return nil
}

// Ping checks the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the client if it is set.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
