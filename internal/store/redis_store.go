package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisRootPrefix = "bidimapper:"

type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(addr string) *RedisStore {
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: addr}))
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: redisRootPrefix}
}

// Ping checks that the server is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Namespace(ns string) Store {
	return &RedisStore{client: r.client, prefix: r.prefix + ns + ":"}
}

func (r *RedisStore) processedKey(commandID int64) string {
	return r.prefix + "processed:" + strconv.FormatInt(commandID, 10)
}

func (r *RedisStore) statusKey(commandID int64) string {
	return r.prefix + "status:" + strconv.FormatInt(commandID, 10)
}

func (r *RedisStore) MarkProcessed(ctx context.Context, commandID int64, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.processedKey(commandID), "1", ttl).Result()
}

func (r *RedisStore) SetCommandStatus(ctx context.Context, commandID int64, status string, ttl time.Duration) error {
	return r.client.Set(ctx, r.statusKey(commandID), status, ttl).Err()
}

func (r *RedisStore) GetCommandStatus(ctx context.Context, commandID int64) (string, error) {
	result, err := r.client.Get(ctx, r.statusKey(commandID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return result, err
}
