package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores one channel in Redis, for nodes sharing state
// across restarts or hosts. keyPrefix namespaces the channel inside a
// shared database.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisBackend(addr, password string, db int, keyPrefix string) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		keyPrefix: keyPrefix,
	}
}

// NewRedisBackendFromClient wraps an existing client, used by tests.
func NewRedisBackendFromClient(client *redis.Client, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

func (b *RedisBackend) key(k string) string { return b.keyPrefix + k }

func (b *RedisBackend) Read(ctx context.Context, key string) ([]byte, error) {
	v, err := b.client.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("supervisor: redis read %q: %w", key, err)
	}
	return v, nil
}

func (b *RedisBackend) Write(ctx context.Context, key string, data []byte) error {
	if err := b.client.Set(ctx, b.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("supervisor: redis write %q: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("supervisor: redis delete %q: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("supervisor: redis exists %q: %w", key, err)
	}
	return n > 0, nil
}

func (b *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, b.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(b.keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("supervisor: redis list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *RedisBackend) Close() error { return b.client.Close() }
