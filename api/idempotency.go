package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper stores processed payment order codes in Redis so all
// instances skip a notification the provider delivers more than once.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(orderCode string) string {
	return "order:" + orderCode
}

// Add records the order code if it does not already exist. It returns true
// when the code was newly added.
func (r *RedisDeduper) Add(ctx context.Context, orderCode string) (bool, error) {
	return r.client.SetNX(ctx, r.key(orderCode), 1, r.ttl).Result()
}

// Remove deletes a previously recorded code so a failed activation can be
// retried on redelivery.
func (r *RedisDeduper) Remove(ctx context.Context, orderCode string) error {
	return r.client.Del(ctx, r.key(orderCode)).Err()
}
