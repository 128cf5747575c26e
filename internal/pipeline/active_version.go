package pipeline

import (
	"context"
	"sync"
)

// ActiveVersionCell 进程内的活跃版本指针。
// 摄取完成后原子翻转；翻转前后的读取各自看到完整一致的版本。
type ActiveVersionCell struct {
	mu        sync.RWMutex
	versionID string
}

// NewActiveVersionCell 创建空的活跃版本单元
func NewActiveVersionCell() *ActiveVersionCell {
	return &ActiveVersionCell{}
}

// Load 返回当前活跃版本ID，没有则为空串
func (c *ActiveVersionCell) Load() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versionID
}

// Store 翻转活跃版本指针
func (c *ActiveVersionCell) Store(versionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versionID = versionID
}

// Hydrate 启动时从缓存或数据库恢复活跃版本。
// 缓存未命中回源数据库，并把结果回填缓存。
func (c *ActiveVersionCell) Hydrate(ctx context.Context, cache CacheStore, meta MetadataStore) error {
	if cache != nil {
		versionID, err := cache.GetActiveVersion(ctx)
		if err == nil && versionID != "" {
			c.Store(versionID)
			return nil
		}
	}

	if meta == nil {
		return nil
	}
	version, err := meta.GetActiveResumeVersion(ctx)
	if err != nil {
		return err
	}
	if version == nil {
		return nil
	}
	c.Store(version.VersionID)
	if cache != nil {
		// 回填失败不影响启动
		_ = cache.SetActiveVersion(ctx, version.VersionID)
	}
	return nil
}
