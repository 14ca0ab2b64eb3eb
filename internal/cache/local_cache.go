package cache

import (
	"sync"
	"time"
)

// LocalCache 进程内 TTL 缓存。
//
// 出站路径用它缓存 MX 解析结果：同一目的域的多次投递
// 不必每次都打 DNS。读取无锁（sync.Map），过期条目
// 由后台循环回收。
type LocalCache struct {
	data sync.Map
	ttl  time.Duration
	stop chan struct{}
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存。
//
// 参数:
//   - ttl: 默认过期时间
func NewLocalCache(ttl time.Duration) *LocalCache {
	c := &LocalCache{
		ttl:  ttl,
		stop: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get 获取缓存值；过期条目视为未命中并顺手删除。
func (c *LocalCache) Get(key string) (interface{}, bool) {
	val, ok := c.data.Load(key)
	if !ok {
		return nil, false
	}

	entry := val.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.data.Delete(key)
		return nil, false
	}
	return entry.value, true
}

// Set 设置缓存值；ttl 为 0 时用默认过期时间。
func (c *LocalCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}
	c.data.Store(key, &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
}

// Delete 删除缓存值。
func (c *LocalCache) Delete(key string) {
	c.data.Delete(key)
}

// Close 停止后台清理。
func (c *LocalCache) Close() {
	close(c.stop)
}

// cleanupLoop 定期清理过期条目。
func (c *LocalCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.data.Range(func(key, value interface{}) bool {
				if now.After(value.(*cacheEntry).expiresAt) {
					c.data.Delete(key)
				}
				return true
			})
		}
	}
}
