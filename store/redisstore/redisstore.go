// Package redisstore backs the session store with Redis, for server-side
// embedders (a BFF, a bot) that hold identity sessions for many principals
// and want them to survive restarts. Keys are namespaced per principal by
// the prefix.
package redisstore

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/jon-sully/netlify-identity-go/store"
)

// RedisStore adapts a go-redis client to the store.Store capability.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// New wraps an existing Redis client. prefix is prepended to every key and
// may be empty.
func New(client *redis.Client, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("[New] redis client is required")
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "[RedisStore.Get]")
	}
	return value, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	// No TTL: session expiry is governed by the token's exp claim, not by
	// the storage layer.
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return errors.Wrap(err, "[RedisStore.Set]")
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return errors.Wrap(err, "[RedisStore.Remove]")
	}
	return nil
}

var _ store.Store = (*RedisStore)(nil)
