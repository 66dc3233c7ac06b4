package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waifuos/waifud/internal/config"
	"github.com/waifuos/waifud/internal/protocol"
)

// RedisStore keeps bridge tokens in Redis so redemption works across
// daemon replicas. Redis expiry removes the key outright, which makes
// expired, redeemed and unknown codes indistinguishable; all three
// surface as an expiry signal.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg config.BridgeConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) key(code string) string {
	return "bridge:" + code
}

func (r *RedisStore) Put(ctx context.Context, code, userID string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(code), userID, ttl).Err()
}

func (r *RedisStore) Take(ctx context.Context, code string) (string, error) {
	userID, err := r.client.GetDel(ctx, r.key(code)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("%w: bridge token expired or already redeemed", protocol.ErrExpired)
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

// Close releases the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
