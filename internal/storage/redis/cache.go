package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fwdmail/backend/internal/domain"
)

// Cache Redis 缓存实现。
//
// 只用作面板只读接口的查询缓存，台账的权威数据始终在主存储；
// 缓存条目带短 TTL，不参与投递决策。
type Cache struct {
	client *redis.Client
}

// NewCache 创建 Redis 缓存实例。
func NewCache(addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close 关闭 Redis 连接。
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health 检查 Redis 连接。
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ========== 台账查询缓存 ==========

func attemptListKey(key string) string {
	return "ledger:list:" + key
}

// CacheAttemptList 缓存一次台账查询结果。
func (c *Cache) CacheAttemptList(ctx context.Context, key string, attempts []*domain.DeliveryAttempt, ttl time.Duration) error {
	data, err := json.Marshal(attempts)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, attemptListKey(key), data, ttl).Err()
}

// GetCachedAttemptList 读取缓存的台账查询结果；未命中返回 (nil, false, nil)。
func (c *Cache) GetCachedAttemptList(ctx context.Context, key string) ([]*domain.DeliveryAttempt, bool, error) {
	data, err := c.client.Get(ctx, attemptListKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}

	var attempts []*domain.DeliveryAttempt
	if err := json.Unmarshal(data, &attempts); err != nil {
		return nil, false, err
	}
	return attempts, true, nil
}

// InvalidateAttemptLists 清空台账查询缓存（域名配置变化后调用）。
func (c *Cache) InvalidateAttemptLists(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, attemptListKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
