package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// 持久化使用的键。
const (
	KeyProxyCache          = "proxyCache"
	KeyCacheUpdatedAt      = "cacheUpdatedAt"
	KeyActiveProxy         = "activeProxy"
	KeyBlacklist           = "blacklist"
	KeyUIPrefs             = "uiPrefs"
	KeyNextIndexByProtocol = "nextIndexByProtocol"
)

// Storage 是简单的键值持久化能力，值以 JSON 编码，语义为最后写入者胜出。
type Storage interface {
	// Load 将 key 对应的值解码到 out。key 不存在时返回 false 且不修改 out。
	Load(ctx context.Context, key string, out any) (bool, error)
	Save(ctx context.Context, key string, value any) error
}

// MemoryStorage 是进程内实现，用于无文件模式和测试。
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (m *MemoryStorage) Load(_ context.Context, key string, out any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (m *MemoryStorage) Save(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}
