package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"proxyswitch/internal/core/applier"
	"proxyswitch/internal/core/gateway"
	"proxyswitch/internal/core/switcher"
	"proxyswitch/internal/core/verifier"
	"proxyswitch/internal/netconf"
	"proxyswitch/internal/service/web"
	"proxyswitch/internal/shared/globalstate"
	"proxyswitch/internal/shared/logger"
	"proxyswitch/internal/shared/settings"
	"proxyswitch/internal/shared/types"
	manager "proxyswitch/proxypool"
	"proxyswitch/proxypool/aggregator"
	"proxyswitch/proxypool/blacklist"
	"proxyswitch/proxypool/geo"
	"proxyswitch/proxypool/storage"
)

const (
	bootstrapTimeout = 30 * time.Second
	shutdownTimeout  = 10 * time.Second
	statsInterval    = 2 * time.Second
	netDialTimeout   = 10 * time.Second
)

// AppServer 持有所有组件并负责启动顺序与优雅退出。
type AppServer struct {
	cfg       *types.Config
	configDir string

	store       storage.Storage
	redisClient *redis.Client
	enricher    *geo.Enricher

	proxyPoolManager *manager.Manager
	blacklist        *blacklist.Store
	netManager       *netconf.Manager
	applier          *applier.Applier
	settingsManager  *settings.Manager
	orchestrator     *switcher.Orchestrator
	badge            *globalstate.Badge

	hub       *web.Hub
	webServer *web.Server
	gateway   *gateway.Gateway

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
	stopped   chan struct{}
}

// New 按配置装配所有组件，但不启动任何监听。
func New(cfg *types.Config, configDir string) (*AppServer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &AppServer{
		cfg:       cfg,
		configDir: configDir,
		badge:     globalstate.GlobalBadge,
		hub:       web.NewHub(),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
	if err := s.bootstrap(); err != nil {
		cancel()
		s.closeResources()
		return nil, err
	}
	return s, nil
}

func (s *AppServer) bootstrap() error {
	ctx, cancel := context.WithTimeout(s.ctx, bootstrapTimeout)
	defer cancel()

	st, client, err := newStorage(&s.cfg.StorageConf, s.configDir)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	s.store, s.redisClient = st, client

	enricher, err := geo.Open(s.resolvePath(s.cfg.GeoIPConf.DatabasePath))
	if err != nil {
		return fmt.Errorf("open geoip database: %w", err)
	}
	s.enricher = enricher

	pool := &s.cfg.PoolConf
	agg := aggregator.New(
		time.Duration(pool.FeedTimeoutSeconds)*time.Second,
		pool.MaxConcurrentFeeds,
		manager.BuildScrapers(pool)...,
	)
	s.proxyPoolManager = manager.NewManager(s.store, agg, s.enricher, time.Duration(pool.RefreshIntervalMins)*time.Minute)
	s.proxyPoolManager.SetRefreshLimit(time.Duration(pool.MinManualRefreshSecs) * time.Second)

	s.blacklist = blacklist.New(
		time.Duration(s.cfg.SwitchConf.BlacklistTTLMinutes)*time.Minute,
		s.cfg.SwitchConf.BlacklistMaxEntries,
		blacklist.WithStorage(s.store),
	)
	if err := s.blacklist.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load blacklist, starting empty.")
	}

	s.netManager = netconf.NewManager(netDialTimeout)
	s.applier = applier.New(s.netManager, s.store, s.badge)
	if err := s.applier.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to restore the previously active proxy, starting direct.")
	}

	s.settingsManager, err = settings.NewManager(ctx, s.store, pool.DefaultDashboardSize)
	if err != nil {
		return fmt.Errorf("init settings: %w", err)
	}
	s.settingsManager.Register(s.hub)

	v := verifier.New(s.netManager.Transport(), s.cfg.SwitchConf.IPCheckEndpoints)
	s.orchestrator = switcher.New(s.proxyPoolManager, s.applier, v, s.blacklist, s.settingsManager, s.store, switcher.OptionsFromConfig(s.cfg))

	handler := web.NewHandler(s.orchestrator, s.hub, s.badge)
	s.webServer = web.NewServer(&s.cfg.WebConf, handler, s.hub)
	if s.cfg.GatewayConf.Port > 0 || s.cfg.GatewayConf.SocksPort > 0 {
		s.gateway = gateway.New(s.cfg.GatewayConf.Port, s.netManager, s.hub)
	}

	s.badge.Subscribe(func(on bool) {
		s.hub.BroadcastStatus(on, s.badge.Text())
	})
	return nil
}

// newStorage 根据 backend 选择持久化实现。
func newStorage(cfg *types.StorageConf, configDir string) (storage.Storage, *redis.Client, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStorage(), nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return storage.NewRedisStorage(client, cfg.RedisPrefix), client, nil
	case "file", "":
		path := cfg.FilePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(configDir, path)
		}
		return storage.NewFileStorage(path), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func (s *AppServer) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.configDir, p)
}

// Run 启动后台任务与监听，然后阻塞直到 Stop 完成。启动失败时调用方仍需调用 Stop。
func (s *AppServer) Run() error {
	logger.Info().Msg("Starting proxy switcher...")

	s.proxyPoolManager.Start(s.ctx)

	go s.hub.Run()

	if err := s.webServer.Start(&s.waitGroup); err != nil {
		return err
	}

	if s.gateway != nil {
		gw := &s.cfg.GatewayConf
		if gw.Port > 0 {
			if _, err := s.gateway.InitializeListener(); err != nil {
				return err
			}
			s.waitGroup.Add(1)
			go func() {
				defer s.waitGroup.Done()
				s.gateway.Serve()
			}()
		}
		if gw.SocksPort > 0 {
			if _, err := s.gateway.InitializeSOCKSListener(gw.SocksPort, gw.User, gw.Password); err != nil {
				return err
			}
			s.waitGroup.Add(1)
			go func() {
				defer s.waitGroup.Done()
				s.gateway.ServeSOCKS()
			}()
		}

		s.waitGroup.Add(1)
		go s.statsLoop()
	} else {
		logger.Warn().Msg("Gateway is disabled.")
	}

	s.hub.BroadcastStatus(s.badge.On(), s.badge.Text())
	<-s.stopped
	s.Wait()
	return nil
}

func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}

// statsLoop 周期性地把网关连接数与速率推送给仪表盘。
func (s *AppServer) statsLoop() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var last gateway.Stats
	var lastTimestamp time.Time

	for {
		select {
		case <-ticker.C:
			current := s.gateway.Stats()
			now := time.Now()

			var upRate, downRate uint64
			if !lastTimestamp.IsZero() {
				elapsed := now.Sub(lastTimestamp).Seconds()
				if elapsed > 0 {
					upRate = uint64(float64(current.Uplink-last.Uplink) / elapsed)
					downRate = uint64(float64(current.Downlink-last.Downlink) / elapsed)
				}
			}
			last, lastTimestamp = current, now

			s.hub.BroadcastStats(&web.DashboardStats{
				Timestamp:         now,
				ActiveConnections: current.ActiveConnections,
				UplinkRate:        upRate,
				DownlinkRate:      downRate,
			})

		case <-s.ctx.Done():
			return
		}
	}
}

// Stop 优雅关闭所有组件。当前生效的代理保持不变。
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping proxy switcher...")
		s.cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.webServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Web server shutdown error")
		}
		if s.gateway != nil {
			s.gateway.Close()
		}
		s.hub.Stop()
		s.proxyPoolManager.Stop()
		s.closeResources()
		logger.Info().Msg("Proxy switcher stopped.")
		close(s.stopped)
	})
}

func (s *AppServer) closeResources() {
	if s.enricher != nil {
		if err := s.enricher.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close geoip database")
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
}
