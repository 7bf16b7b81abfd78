package repository

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const suppressedPrefix = "apns:token:suppressed:"

// RedisRepository remembers device tokens the gateway reported as dead so they
// are skipped on later pushes.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisRepository{
		client: client,
		ttl:    ttl,
	}
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// FilterSuppressed returns the tokens that are not suppressed, preserving
// order, with one round trip.
func (r *RedisRepository) FilterSuppressed(ctx context.Context, tokens []string) ([]string, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(tokens))
	for i, token := range tokens {
		cmds[i] = pipe.Exists(ctx, suppressedPrefix+token)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	active := make([]string, 0, len(tokens))
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			active = append(active, tokens[i])
		}
	}
	return active, nil
}

// SuppressToken stores a token with the reason the gateway gave for it.
func (r *RedisRepository) SuppressToken(ctx context.Context, token, reason string) error {
	return r.client.SetEX(ctx, suppressedPrefix+token, reason, r.ttl).Err()
}
