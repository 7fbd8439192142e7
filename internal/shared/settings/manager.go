package settings

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"proxyswitch/internal/shared/logger"
	"proxyswitch/proxypool/ranker"
	"proxyswitch/proxypool/storage"
)

// Manager 保存仪表盘偏好。读取无锁，更新时持久化并异步通知订阅者。
type Manager struct {
	store        storage.Storage
	defaultLimit int
	prefs        atomic.Value // UIPrefs
	subscribers  []Subscriber
	mu           sync.Mutex
}

// NewManager 从存储加载偏好，不存在时使用默认值。store 为 nil 时只在内存中保存。
func NewManager(ctx context.Context, store storage.Storage, defaultLimit int) (*Manager, error) {
	m := &Manager{store: store, defaultLimit: ClampLimit(defaultLimit, 50)}
	prefs := UIPrefs{Protocol: ranker.ProtocolAll, Limit: m.defaultLimit}

	if store != nil {
		var stored UIPrefs
		found, err := store.Load(ctx, storage.KeyUIPrefs, &stored)
		if err != nil {
			return nil, fmt.Errorf("failed to load ui prefs: %w", err)
		}
		if found {
			prefs = m.sanitize(stored)
		}
	}
	m.prefs.Store(prefs)
	return m, nil
}

// Register 添加一个订阅者。
func (m *Manager) Register(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, sub)
}

func (m *Manager) Get() UIPrefs {
	return m.prefs.Load().(UIPrefs)
}

// Update 规范化并保存新的偏好，返回实际生效的值。
func (m *Manager) Update(ctx context.Context, prefs UIPrefs) (UIPrefs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefs = m.sanitize(prefs)
	if m.store != nil {
		if err := m.store.Save(ctx, storage.KeyUIPrefs, prefs); err != nil {
			return m.Get(), fmt.Errorf("failed to save ui prefs: %w", err)
		}
	}
	m.prefs.Store(prefs)

	subs := append([]Subscriber(nil), m.subscribers...)
	go notify(subs, prefs)
	return prefs, nil
}

func (m *Manager) sanitize(p UIPrefs) UIPrefs {
	return UIPrefs{
		Protocol: ranker.NormalizeProtocol(p.Protocol),
		Limit:    ClampLimit(p.Limit, m.defaultLimit),
	}
}

func notify(subs []Subscriber, prefs UIPrefs) {
	l := logger.WithComponent("Settings")
	for _, sub := range subs {
		if err := sub.OnPrefsUpdate(prefs); err != nil {
			l.Error().Err(err).Msg("Error notifying subscriber.")
		}
	}
}
