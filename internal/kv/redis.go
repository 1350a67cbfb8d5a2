package kv

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"switchline/internal/storeerr"
)

const entityRedis = "redis"

// RedisCache keeps hashes in redis. A positive TTL is refreshed on every write so an entry
// lives at least TTL after its last mutation.
type RedisCache struct {
	Client redis.UniversalClient
	TTL    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{Client: client, TTL: ttl}
}

func (c *RedisCache) SetFieldIfAbsent(ctx context.Context, key, field string, value []byte) (bool, error) {
	set, err := c.Client.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, mapRedisError(key, err)
	}
	if set {
		if err := c.touch(ctx, key); err != nil {
			return true, err
		}
	}
	return set, nil
}

func (c *RedisCache) SetField(ctx context.Context, key, field string, value []byte) error {
	if err := c.Client.HSet(ctx, key, field, value).Err(); err != nil {
		return mapRedisError(key, err)
	}
	return c.touch(ctx, key)
}

func (c *RedisCache) GetField(ctx context.Context, key, field string) ([]byte, error) {
	v, err := c.Client.HGet(ctx, key, field).Bytes()
	if err != nil {
		return nil, mapRedisError(key+"/"+field, err)
	}
	return v, nil
}

func (c *RedisCache) DeleteField(ctx context.Context, key, field string) error {
	if err := c.Client.HDel(ctx, key, field).Err(); err != nil {
		return mapRedisError(key+"/"+field, err)
	}
	return nil
}

func (c *RedisCache) ScanFields(ctx context.Context, key, pattern string) ([][]byte, error) {
	seen := map[string]struct{}{}
	var (
		values [][]byte
		cursor uint64
	)
	for {
		kvs, next, err := c.Client.HScan(ctx, key, cursor, pattern, 100).Result()
		if err != nil {
			return nil, mapRedisError(key, err)
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			if _, dup := seen[kvs[i]]; dup {
				continue
			}
			seen[kvs[i]] = struct{}{}
			values = append(values, []byte(kvs[i+1]))
		}
		if next == 0 {
			return values, nil
		}
		cursor = next
	}
}

func (c *RedisCache) Close() error {
	return c.Client.Close()
}

func (c *RedisCache) touch(ctx context.Context, key string) error {
	if c.TTL <= 0 {
		return nil
	}
	if err := c.Client.Expire(ctx, key, c.TTL).Err(); err != nil {
		return mapRedisError(key, err)
	}
	return nil
}

// mapRedisError translates go-redis failures into the storeerr taxonomy.
func mapRedisError(key string, err error) error {
	if errors.Is(err, redis.Nil) {
		return storeerr.NotFound(entityRedis, key)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return storeerr.Connection(entityRedis, err)
	}
	return storeerr.Other(entityRedis, err)
}
