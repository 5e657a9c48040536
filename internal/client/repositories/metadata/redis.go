package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisRepository keeps the store in Redis under a key prefix so several
// clients can share one server.
type RedisRepository struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisRepository(rdb redis.UniversalClient, prefix string) *RedisRepository {
	return &RedisRepository{rdb: rdb, prefix: prefix}
}

func (r *RedisRepository) k(key string) string { return r.prefix + key }

func (r *RedisRepository) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.Get(ctx, r.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kv[%s]: %w", key, err)
	}
	return v, nil
}

func (r *RedisRepository) Set(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, r.k(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set kv[%s]: %w", key, err)
	}
	return nil
}

func (r *RedisRepository) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.k(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete kv[%s]: %w", key, err)
	}
	return nil
}

// DeleteMany removes keys with a single DEL, which Redis applies atomically.
func (r *RedisRepository) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = r.k(key)
	}
	if err := r.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete kv%v: %w", keys, err)
	}
	return nil
}

func (r *RedisRepository) scan(ctx context.Context, match string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (r *RedisRepository) Keys(ctx context.Context, prefix string) ([]string, error) {
	full, err := r.scan(ctx, escapeGlob(r.prefix+prefix)+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list kv keys: %w", err)
	}
	keys := make([]string, 0, len(full))
	for _, k := range full {
		keys = append(keys, strings.TrimPrefix(k, r.prefix))
	}
	return keys, nil
}

// Clear removes only keys under the repository prefix.
func (r *RedisRepository) Clear(ctx context.Context) error {
	full, err := r.scan(ctx, escapeGlob(r.prefix)+"*")
	if err != nil {
		return fmt.Errorf("failed to clear kv: %w", err)
	}
	if len(full) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to clear kv: %w", err)
	}
	return nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }
