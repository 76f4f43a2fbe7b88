package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// CacheBackend 基于 Redis 的缓存后端，作为分层缓存的主层。
//
// 键按前缀做命名空间隔离；返回的 error 表示 Redis 本身不可用，
// 供上层触发粘滞回退。
type CacheBackend struct {
	client *Client
	prefix string
}

// NewCacheBackend 创建 Redis 缓存后端
func NewCacheBackend(client *Client, prefix string) *CacheBackend {
	if prefix == "" {
		prefix = "spendscan"
	}
	return &CacheBackend{client: client, prefix: prefix}
}

// Name 返回层名称
func (b *CacheBackend) Name() string {
	return "redis"
}

// Get 获取缓存值。键不存在返回 (nil, false, nil)。
func (b *CacheBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.rdb.Get(ctx, b.key(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

// Set 设置缓存值（整值替换）
func (b *CacheBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.rdb.Set(ctx, b.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete 删除缓存值
func (b *CacheBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.rdb.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear 清空本命名空间下的全部键（SCAN 迭代，避免阻塞）
func (b *CacheBackend) Clear(ctx context.Context) error {
	iter := b.client.rdb.Scan(ctx, 0, b.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := b.client.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del during clear: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

func (b *CacheBackend) key(key string) string {
	return b.prefix + ":" + key
}
