package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"proxyswitch/internal/shared/logger"
	"proxyswitch/internal/shared/types"
	"proxyswitch/proxypool/aggregator"
	"proxyswitch/proxypool/geo"
	"proxyswitch/proxypool/model"
	"proxyswitch/proxypool/ranker"
	"proxyswitch/proxypool/scraper"
	"proxyswitch/proxypool/storage"
)

// ErrNoValidProxies 表示代理源有响应但没有一条记录通过规范化。
var ErrNoValidProxies = errors.New("no valid proxies from feeds")

// Manager 管理代理缓存：按需或定时从代理源刷新，合并、补全、排序后持久化。
type Manager struct {
	storage    storage.Storage
	aggregator *aggregator.Aggregator
	enricher   *geo.Enricher
	now        func() time.Time

	mu    sync.RWMutex
	cache model.Cache

	// refreshMu 保证同一时间只有一次刷新在进行
	refreshMu sync.Mutex
	// refreshLimiter 限制调用方强制刷新的频率，nil 表示不限制
	refreshLimiter *rate.Limiter

	refreshInterval time.Duration
	refreshTicker   *time.Ticker
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// BuildScrapers 根据配置创建代理源列表。
func BuildScrapers(cfg *types.PoolConf) []scraper.Scraper {
	scrapers := make([]scraper.Scraper, 0, 1+len(cfg.TextListURLs)+len(cfg.HTMLTableURLs))
	if cfg.ProxiflyURL != "" {
		scrapers = append(scrapers, scraper.NewProxiflyScraper(cfg.ProxiflyURL))
	}
	for _, u := range cfg.TextListURLs {
		scrapers = append(scrapers, scraper.NewTextListScraper(u, model.SchemeHTTP))
	}
	for _, u := range cfg.HTMLTableURLs {
		scrapers = append(scrapers, scraper.NewHTMLTableScraper(u, "", model.SchemeHTTP))
	}
	return scrapers
}

// NewManager 创建代理缓存管理器。enricher 可以为 nil。
func NewManager(st storage.Storage, agg *aggregator.Aggregator, enricher *geo.Enricher, refreshInterval time.Duration) *Manager {
	return &Manager{
		storage:         st,
		aggregator:      agg,
		enricher:        enricher,
		now:             time.Now,
		refreshInterval: refreshInterval,
		stopChan:        make(chan struct{}),
	}
}

// Start 加载持久化缓存并启动定时刷新。
func (m *Manager) Start(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Manager starting...")

	if _, err := m.loadCache(ctx); err != nil {
		l.Error().Err(err).Msg("Failed to load proxy cache from storage. Starting with an empty cache.")
	}

	if m.refreshInterval <= 0 {
		return
	}
	m.refreshTicker = time.NewTicker(m.refreshInterval)
	l.Info().Dur("refresh_interval", m.refreshInterval).Msg("Scheduler initialized.")

	m.wg.Add(1)
	go m.schedulerLoop()
}

func (m *Manager) schedulerLoop() {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	for {
		select {
		case <-m.refreshTicker.C:
			l.Info().Msg("Refresh ticker triggered.")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if _, err := m.Refresh(ctx); err != nil {
				l.Warn().Err(err).Msg("Scheduled refresh failed, keeping previous cache.")
			}
			cancel()

		case <-m.stopChan:
			l.Info().Msg("Stop signal received. Shutting down scheduler.")
			m.refreshTicker.Stop()
			return
		}
	}
}

// Stop 停止定时刷新。
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
	logger.Info().Msg("ProxyPool Manager gracefully stopped.")
}

// SetRefreshLimit 限制 List(ctx, true) 触发的刷新至多每 minInterval 一次。
// 被限流时返回现有缓存。minInterval <= 0 时取消限制。
func (m *Manager) SetRefreshLimit(minInterval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if minInterval <= 0 {
		m.refreshLimiter = nil
		return
	}
	m.refreshLimiter = rate.NewLimiter(rate.Every(minInterval), 1)
}

// List 返回缓存的代理列表；refresh 为 true 或缓存为空时从代理源刷新。
func (m *Manager) List(ctx context.Context, refresh bool) (model.Cache, error) {
	l := logger.WithComponent("ProxyPool/Manager")
	m.mu.RLock()
	cached := m.cache
	limiter := m.refreshLimiter
	m.mu.RUnlock()

	if len(cached.List) == 0 {
		var err error
		if cached, err = m.loadCache(ctx); err != nil {
			l.Warn().Err(err).Msg("Failed to load proxy cache, refreshing.")
		}
	}
	if refresh && limiter != nil && len(cached.List) > 0 && !limiter.Allow() {
		l.Info().Msg("Refresh throttled, serving cached list.")
		refresh = false
	}
	if !refresh && len(cached.List) > 0 {
		cached.FromCache = true
		return cached, nil
	}
	return m.Refresh(ctx)
}

// Refresh 执行一次 抓取 → 合并 → 补全 → 排序 → 持久化。
// 失败时保留原有缓存。
func (m *Manager) Refresh(ctx context.Context) (model.Cache, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	l := logger.WithComponent("ProxyPool/Manager")

	result, err := m.aggregator.Collect(ctx)
	if err != nil {
		return model.Cache{}, err
	}

	list, filled := m.enricher.Enrich(result.Proxies)
	if filled > 0 {
		l.Debug().Int("filled", filled).Msg("Filled missing countries from GeoIP.")
	}
	list = ranker.Sort(list)
	if len(list) == 0 {
		return model.Cache{}, ErrNoValidProxies
	}

	cache := model.Cache{List: list, UpdatedAt: m.now().UTC()}
	if err := m.saveCache(ctx, cache); err != nil {
		l.Error().Err(err).Msg("Failed to save proxy cache to storage.")
	}

	m.mu.Lock()
	m.cache = cache
	m.mu.Unlock()

	l.Info().Int("count", len(list)).Int("failed_feeds", result.Failed()).Msg("Proxy cache refreshed.")
	return cache, nil
}

func (m *Manager) loadCache(ctx context.Context) (model.Cache, error) {
	var list []model.ProxyDescriptor
	if _, err := m.storage.Load(ctx, storage.KeyProxyCache, &list); err != nil {
		return model.Cache{}, fmt.Errorf("load proxy cache: %w", err)
	}
	var updatedAt time.Time
	if _, err := m.storage.Load(ctx, storage.KeyCacheUpdatedAt, &updatedAt); err != nil {
		return model.Cache{}, fmt.Errorf("load cache timestamp: %w", err)
	}

	cache := model.Cache{List: list, UpdatedAt: updatedAt}
	m.mu.Lock()
	m.cache = cache
	m.mu.Unlock()
	return cache, nil
}

func (m *Manager) saveCache(ctx context.Context, cache model.Cache) error {
	if err := m.storage.Save(ctx, storage.KeyProxyCache, cache.List); err != nil {
		return err
	}
	return m.storage.Save(ctx, storage.KeyCacheUpdatedAt, cache.UpdatedAt)
}
