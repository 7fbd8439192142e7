package netconf

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"proxyswitch/internal/shared/logger"
	"proxyswitch/proxypool/model"
	"proxyswitch/proxypool/normalizer"
)

// Controller 是读写出站代理配置的能力。
type Controller interface {
	Get(ctx context.Context) (Config, error)
	Set(ctx context.Context, cfg Config) error
	Clear(ctx context.Context) error
}

// Manager 是进程内的 Controller 实现，同时按当前配置提供拨号器和 HTTP Transport。
type Manager struct {
	mu          sync.RWMutex
	cfg         Config
	dialTimeout time.Duration
}

var _ Controller = (*Manager)(nil)

func NewManager(dialTimeout time.Duration) *Manager {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Manager{cfg: Direct(), dialTimeout: dialTimeout}
}

func (m *Manager) Get(_ context.Context) (Config, error) {
	return m.current(), nil
}

// Set 校验并替换当前配置。被拒绝的配置不会改变现有状态。
func (m *Manager) Set(_ context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Rules != nil {
		rules := *cfg.Rules
		rules.SingleProxy.Scheme = normalizer.NormalizeScheme(rules.SingleProxy.Scheme)
		rules.BypassList = append([]string(nil), rules.BypassList...)
		cfg.Rules = &rules
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	l := logger.WithComponent("NetConf")
	if cfg.Mode == ModeFixedServers {
		sp := cfg.Rules.SingleProxy
		l.Info().Str("scheme", sp.Scheme).Str("host", sp.Host).Int("port", sp.Port).Msg("Proxy configuration applied.")
	} else {
		l.Info().Msg("Direct mode applied.")
	}
	return nil
}

func (m *Manager) Clear(ctx context.Context) error {
	return m.Set(ctx, Direct())
}

func (m *Manager) current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// route 返回访问 host 时应使用的上游代理；直连时返回 false。
func (m *Manager) route(host string) (ProxyServer, bool) {
	cfg := m.current()
	if cfg.Mode != ModeFixedServers || cfg.Rules == nil {
		return ProxyServer{}, false
	}
	if cfg.Rules.Bypassed(host) {
		return ProxyServer{}, false
	}
	return cfg.Rules.SingleProxy, true
}

// DialContext 按当前配置建立到 addr 的 TCP 连接。
func (m *Manager) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ps, ok := m.route(host)
	if !ok {
		return m.direct(ctx, network, addr)
	}
	return m.dialVia(ctx, ps, addr)
}

// Transport 返回一个走当前代理的 http.Transport。
// HTTP/HTTPS 代理交给标准的代理机制处理，SOCKS 代理在拨号层处理。
// 关闭连接复用，切换代理后不会沿用旧连接。
func (m *Manager) Transport() *http.Transport {
	return &http.Transport{
		Proxy:                 m.proxyURL,
		DialContext:           m.transportDial,
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   m.dialTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

func (m *Manager) proxyURL(req *http.Request) (*url.URL, error) {
	ps, ok := m.route(req.URL.Hostname())
	if !ok || !isHTTPScheme(ps.Scheme) {
		return nil, nil
	}
	return &url.URL{Scheme: ps.Scheme, Host: net.JoinHostPort(ps.Host, strconv.Itoa(ps.Port))}, nil
}

// transportDial 只处理 SOCKS；HTTP 代理时 Transport 传入的已经是代理地址。
func (m *Manager) transportDial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ps, ok := m.route(host)
	if !ok || isHTTPScheme(ps.Scheme) {
		return m.direct(ctx, network, addr)
	}
	return m.dialVia(ctx, ps, addr)
}

func (m *Manager) direct(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: m.dialTimeout, KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, network, addr)
}

func (m *Manager) dialVia(ctx context.Context, ps ProxyServer, target string) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(ps.Host, strconv.Itoa(ps.Port))
	switch ps.Scheme {
	case model.SchemeSOCKS5:
		return dialSOCKS5(ctx, proxyAddr, target, m.dialTimeout)
	case model.SchemeSOCKS4:
		return dialSOCKS4(ctx, proxyAddr, target, m.dialTimeout)
	default:
		return dialHTTPConnect(ctx, ps.Scheme, proxyAddr, target, m.dialTimeout)
	}
}

func isHTTPScheme(scheme string) bool {
	return scheme == model.SchemeHTTP || scheme == model.SchemeHTTPS
}
