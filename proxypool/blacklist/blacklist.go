// Package blacklist 记录近期验证失败的代理，在 TTL 内将其排除在候选之外。
package blacklist

import (
	"context"
	"sort"
	"sync"
	"time"

	"proxyswitch/internal/shared/logger"
	"proxyswitch/proxypool/model"
	"proxyswitch/proxypool/storage"
)

const (
	DefaultTTL        = 15 * time.Minute
	DefaultMaxEntries = 500
)

// Entry 是一条黑名单记录。
type Entry struct {
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
	Until    time.Time `json:"until"`
	Count    int       `json:"count"`
}

// Store 是带 TTL 与容量上限的黑名单。所有读写都会先清理过期条目，
// 判断始终基于当前时间而不是缓存状态。
type Store struct {
	mu         sync.Mutex
	entries    map[string]Entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	storage    storage.Storage
}

// Option 调整 Store 的可选参数。
type Option func(*Store)

// WithClock 替换时间源，供测试使用。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithStorage 让每次写入都持久化到 KV 存储。
func WithStorage(st storage.Storage) Option {
	return func(s *Store) { s.storage = st }
}

func New(ttl time.Duration, maxEntries int, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	s := &Store{
		entries:    make(map[string]Entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load 从 KV 存储恢复黑名单，随即清理。
func (s *Store) Load(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	stored := make(map[string]Entry)
	ok, err := s.storage.Load(ctx, storage.KeyBlacklist, &stored)
	if err != nil || !ok {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = stored
	s.pruneLocked(s.now())
	return nil
}

// Mark 记录一次失败：刷新 FailedAt 与 Until，并累加 Count。
func (s *Store) Mark(ctx context.Context, id, reason string) Entry {
	s.mu.Lock()
	now := s.now()
	entry := s.entries[id]
	entry.Reason = reason
	entry.FailedAt = now
	entry.Until = now.Add(s.ttl)
	entry.Count++
	s.entries[id] = entry
	s.pruneLocked(now)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	logger.WithComponent("ProxyPool/Blacklist").Debug().
		Str("proxy_id", id).
		Str("reason", reason).
		Int("count", entry.Count).
		Msg("Proxy blacklisted.")
	s.persist(ctx, snapshot)
	return entry
}

// Clear 移除一条记录，通常在该代理后来验证成功时调用。
func (s *Store) Clear(ctx context.Context, id string) {
	s.mu.Lock()
	_, existed := s.entries[id]
	delete(s.entries, id)
	s.pruneLocked(s.now())
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if existed {
		s.persist(ctx, snapshot)
	}
}

// Get 返回仍在有效期内的记录。
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	e, ok := s.entries[id]
	return e, ok
}

// IsBlocked 报告 id 当前是否被拉黑。
func (s *Store) IsBlocked(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Len 返回有效记录数。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.entries)
}

// Split 将候选划分为 allowed 与 blocked，两部分各自保持原有相对顺序。
func (s *Store) Split(candidates []model.ProxyDescriptor) (allowed, blocked []model.ProxyDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)

	allowed = make([]model.ProxyDescriptor, 0, len(candidates))
	blocked = make([]model.ProxyDescriptor, 0)
	for _, c := range candidates {
		if e, ok := s.entries[c.ID]; ok && e.Until.After(now) {
			blocked = append(blocked, c)
			continue
		}
		allowed = append(allowed, c)
	}
	return allowed, blocked
}

// pruneLocked 删除 Until <= now 的记录，再按 FailedAt 保留最近的 maxEntries 条。
func (s *Store) pruneLocked(now time.Time) {
	for id, e := range s.entries {
		if !e.Until.After(now) {
			delete(s.entries, id)
		}
	}
	if len(s.entries) <= s.maxEntries {
		return
	}

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.entries[ids[i]], s.entries[ids[j]]
		if !a.FailedAt.Equal(b.FailedAt) {
			return a.FailedAt.Before(b.FailedAt)
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids[:len(ids)-s.maxEntries] {
		delete(s.entries, id)
	}
}

func (s *Store) snapshotLocked() map[string]Entry {
	out := make(map[string]Entry, len(s.entries))
	for id, e := range s.entries {
		out[id] = e
	}
	return out
}

func (s *Store) persist(ctx context.Context, snapshot map[string]Entry) {
	if s.storage == nil {
		return
	}
	if err := s.storage.Save(ctx, storage.KeyBlacklist, snapshot); err != nil {
		logger.WithComponent("ProxyPool/Blacklist").Error().Err(err).Msg("Failed to persist blacklist.")
	}
}
