package identity

import (
	"context"
	"sync"
	"time"
)

// Cache 抽象了按 handle 缓存校验结果的能力。实现必须保证过期条目不可见。
type Cache interface {
	Get(ctx context.Context, handle string) (*Identity, bool)
	Set(ctx context.Context, handle string, id *Identity, ttl time.Duration) error
	Invalidate(ctx context.Context, handle string) error
}

// MemoryCache 以内存方式缓存校验结果，主要用于单进程部署和测试。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	identity  Identity
	expiresAt time.Time
}

// NewMemoryCache 创建 MemoryCache。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryCacheEntry)}
}

// Get 返回未过期的缓存条目。
func (c *MemoryCache) Get(_ context.Context, handle string) (*Identity, bool) {
	c.mu.RLock()
	entry, ok := c.entries[handle]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		// 惰性淘汰过期条目。
		c.mu.Lock()
		if current, stillThere := c.entries[handle]; stillThere && time.Now().After(current.expiresAt) {
			delete(c.entries, handle)
		}
		c.mu.Unlock()
		return nil, false
	}
	clone := entry.identity
	return &clone, true
}

// Set 写入缓存条目。
func (c *MemoryCache) Set(_ context.Context, handle string, id *Identity, ttl time.Duration) error {
	if id == nil || ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[handle] = memoryCacheEntry{identity: *id, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Invalidate 显式清除缓存条目，例如对端轮换了签名密钥。
func (c *MemoryCache) Invalidate(_ context.Context, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, handle)
	return nil
}

var _ Cache = (*MemoryCache)(nil)
