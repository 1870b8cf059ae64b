package repository

import (
	"context"
	"testing"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/failure"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPayloadStore(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	defer Close(client)

	repo := NewRedisPayloadStore(client)
	ctx := context.Background()
	require.NoError(t, Ping(ctx, client))

	t.Run("SaveAndGet", func(t *testing.T) {
		key, err := repo.Save(ctx, []byte(`{"resourceType":"Patient"}`))
		require.NoError(t, err)
		assert.NotEmpty(t, key)
		assert.True(t, s.Exists(payloadKeyPrefix+key))
		assert.Zero(t, s.TTL(payloadKeyPrefix+key))

		got, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"resourceType":"Patient"}`, string(got))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, failure.ErrPayloadNotFound)
	})

	t.Run("Copy", func(t *testing.T) {
		key, err := repo.Save(ctx, []byte("original"))
		require.NoError(t, err)

		copied, err := repo.Copy(ctx, key)
		require.NoError(t, err)
		assert.NotEqual(t, key, copied)

		got, err := repo.Get(ctx, copied)
		require.NoError(t, err)
		assert.Equal(t, "original", string(got))
	})

	t.Run("Remove", func(t *testing.T) {
		key, err := repo.Save(ctx, []byte("gone"))
		require.NoError(t, err)

		require.NoError(t, repo.Remove(ctx, key))
		require.NoError(t, repo.Remove(ctx, key))
		_, err = repo.Get(ctx, key)
		assert.ErrorIs(t, err, failure.ErrPayloadNotFound)
	})

	t.Run("NeverExpires", func(t *testing.T) {
		key, err := repo.Save(ctx, []byte("keep"))
		require.NoError(t, err)
		s.FastForward(365 * 24 * time.Hour)
		got, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "keep", string(got))
	})
}

func TestRedisPayloadStoreNilClient(t *testing.T) {
	repo := NewRedisPayloadStore(nil)
	ctx := context.Background()

	_, err := repo.Save(ctx, nil)
	assert.Error(t, err)
	_, err = repo.Get(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, repo.Remove(ctx, "k"))
	assert.NoError(t, Close(nil))
}

func TestRedisPayloadStoreServerDown(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer client.Close()
	s.Close()

	repo := NewRedisPayloadStore(client)
	_, err = repo.Save(context.Background(), []byte("x"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, failure.ErrPayloadNotFound)
}
