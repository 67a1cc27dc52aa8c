package tokenstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores values as plain redis strings under prefix.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps an existing client. Keys are stored as
// "<prefix>:<key>"; an empty prefix stores them verbatim.
func NewRedisBackend(rdb redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

func (r *RedisBackend) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// GetAll issues a single MGET.
func (r *RedisBackend) GetAll(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	vals, err := r.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if sv, ok := v.(string); ok {
			out[keys[i]] = sv
		}
	}
	return out, nil
}

// SetAll wraps the writes in MULTI/EXEC.
func (r *RedisBackend) SetAll(ctx context.Context, kv map[string]string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range kv {
			pipe.Set(ctx, r.key(k), v, 0)
		}
		return nil
	})
	return err
}

func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.rdb.Del(ctx, full...).Err()
}

func (r *RedisBackend) Close() error { return r.rdb.Close() }
