package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LocalCache 进程内内存缓存，作为分层缓存的回退层。
//
// 特点：
// - 使用 sync.Map 实现无锁读取
// - TTL 过期在读取时懒检查，没有后台清扫协程
// - 容量超限时优先淘汰过期条目
type LocalCache struct {
	data    sync.Map
	count   atomic.Int64
	maxSize int
}

type localEntry struct {
	value     []byte
	expiresAt time.Time // 零值表示不过期
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，0 表示不限制
func NewLocalCache(maxSize int) *LocalCache {
	return &LocalCache{maxSize: maxSize}
}

// Name 返回层名称
func (c *LocalCache) Name() string {
	return "local"
}

// Get 获取缓存值，过期条目懒删除。
func (c *LocalCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, ok := c.data.Load(key)
	if !ok {
		return nil, false, nil
	}

	entry := val.(*localEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		if _, loaded := c.data.LoadAndDelete(key); loaded {
			c.count.Add(-1)
		}
		return nil, false, nil
	}

	return entry.value, true, nil
}

// Set 设置缓存值，整值替换。
func (c *LocalCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := &localEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	if c.maxSize > 0 && c.count.Load() >= int64(c.maxSize) {
		c.evict()
	}

	if _, loaded := c.data.Swap(key, entry); !loaded {
		c.count.Add(1)
	}
	return nil
}

// Delete 删除缓存值
func (c *LocalCache) Delete(_ context.Context, key string) error {
	if _, loaded := c.data.LoadAndDelete(key); loaded {
		c.count.Add(-1)
	}
	return nil
}

// Clear 清空所有缓存
func (c *LocalCache) Clear(_ context.Context) error {
	c.data.Range(func(key, _ interface{}) bool {
		c.data.Delete(key)
		return true
	})
	c.count.Store(0)
	return nil
}

// Len 返回当前条目数
func (c *LocalCache) Len() int {
	return int(c.count.Load())
}

// evict 容量超限时淘汰：先清过期条目，仍超限则删除任意一条。
func (c *LocalCache) evict() {
	now := time.Now()
	evicted := false
	var anyKey interface{}

	c.data.Range(func(key, value interface{}) bool {
		entry := value.(*localEntry)
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			if _, loaded := c.data.LoadAndDelete(key); loaded {
				c.count.Add(-1)
			}
			evicted = true
		} else if anyKey == nil {
			anyKey = key
		}
		return true
	})

	if !evicted && anyKey != nil {
		if _, loaded := c.data.LoadAndDelete(anyKey); loaded {
			c.count.Add(-1)
		}
	}
}
