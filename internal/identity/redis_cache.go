package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCacheConfig 描述 Redis 缓存的连接参数。
type RedisCacheConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCache 使用 Redis 存储校验结果，多副本部署时共享缓存并依赖其原生 TTL。
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache 创建 Redis 缓存实例。
func NewRedisCache(cfg RedisCacheConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "walta:identity:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

// Get 返回缓存的身份记录。Redis 过期的键自然返回未命中。
func (c *RedisCache) Get(ctx context.Context, handle string) (*Identity, bool) {
	raw, err := c.client.Get(ctx, c.prefix+handle).Bytes()
	if err != nil {
		return nil, false
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		// 缓存内容损坏时当作未命中并清理。
		_ = c.client.Del(ctx, c.prefix+handle).Err()
		return nil, false
	}
	return &id, true
}

// Set 写入缓存条目，由 Redis 负责 TTL 淘汰。
func (c *RedisCache) Set(ctx context.Context, handle string, id *Identity, ttl time.Duration) error {
	if id == nil || ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("序列化身份记录失败: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+handle, raw, ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 缓存失败: %w", err)
	}
	return nil
}

// Invalidate 删除缓存条目。
func (c *RedisCache) Invalidate(ctx context.Context, handle string) error {
	if err := c.client.Del(ctx, c.prefix+handle).Err(); err != nil {
		return fmt.Errorf("删除 Redis 缓存失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
