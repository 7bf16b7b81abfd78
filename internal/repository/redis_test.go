package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepository connects to REDIS_TEST_URL and skips when it is unset.
func newTestRepository(t *testing.T) *RedisRepository {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	repo := NewRedisRepository(redis.NewClient(opts), time.Minute)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRedisRepository_Suppression(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	dead, live := uuid.NewString(), uuid.NewString()

	require.NoError(t, repo.SuppressToken(ctx, dead, "Unregistered"))
	t.Cleanup(func() { repo.client.Del(ctx, suppressedPrefix+dead) })

	reason, err := repo.client.Get(ctx, suppressedPrefix+dead).Result()
	require.NoError(t, err)
	assert.Equal(t, "Unregistered", reason)

	active, err := repo.FilterSuppressed(ctx, []string{live, dead})
	require.NoError(t, err)
	assert.Equal(t, []string{live}, active)

	ttl, err := repo.client.TTL(ctx, suppressedPrefix+dead).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestNewRedisRepository_DefaultTTL(t *testing.T) {
	repo := NewRedisRepository(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), 0)
	t.Cleanup(func() { _ = repo.Close() })
	assert.Equal(t, 24*time.Hour, repo.ttl)

	active, err := repo.FilterSuppressed(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, active)
}
