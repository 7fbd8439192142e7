// Package gateway 提供本地 HTTP 与 SOCKS5 代理入口，出站连接经由当前生效的代理。
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/armon/go-socks5"
	"github.com/google/uuid"

	"proxyswitch/internal/service/web"
	"proxyswitch/internal/shared"
	"proxyswitch/internal/shared/logger"
)

// Dialer 建立出站连接，通常是 netconf.Manager。
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Stats 是网关的运行统计。
type Stats struct {
	shared.TrafficStats
	ActiveConnections int64 `json:"active_connections"`
}

type Gateway struct {
	listener   net.Listener
	listenPort int
	dialer     Dialer
	hub        *web.Hub

	socksServer   *socks5.Server
	socksListener net.Listener

	traffic shared.TrafficCounter
	active  atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	waitGroup sync.WaitGroup
}

// New 创建网关。hub 可以为 nil。
func New(listenPort int, dialer Dialer, hub *web.Hub) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		listenPort: listenPort,
		dialer:     dialer,
		hub:        hub,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// InitializeListener 在本机回环地址上监听，返回实际端口。端口为 0 时由系统分配。
func (g *Gateway) InitializeListener() (int, error) {
	listenAddr := fmt.Sprintf("127.0.0.1:%d", g.listenPort)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return 0, fmt.Errorf("gateway failed to listen on %s: %w", listenAddr, err)
	}
	g.listener = listener
	logger.Info().Str("listen_addr", listener.Addr().String()).Msg(">>> Gateway is listening.")
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// Serve 启动阻塞的 accept 循环。必须在 InitializeListener 之后调用。
func (g *Gateway) Serve() {
	if g.listener == nil {
		logger.Error().Msg("Gateway.Serve() called before InitializeListener()")
		return
	}
	g.waitGroup.Add(1)
	g.acceptLoop()
}

func (g *Gateway) acceptLoop() {
	defer g.waitGroup.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Info().Msg("Gateway listener is closing.")
				return
			}
			logger.Warn().Err(err).Msg("Gateway failed to accept connection")
			continue
		}
		g.waitGroup.Add(1)
		go g.handleConnection(conn)
	}
}

func (g *Gateway) handleConnection(inboundConn net.Conn) {
	defer g.waitGroup.Done()
	defer inboundConn.Close()

	g.active.Add(1)
	defer g.active.Add(-1)

	l := logger.WithComponent("Gateway").With().Str("trace_id", uuid.NewString()).Logger()
	ctx := l.WithContext(g.ctx)
	g.serveHTTPProxy(ctx, inboundConn, bufio.NewReader(inboundConn))
}

// Stats 返回累计流量和当前连接数。
func (g *Gateway) Stats() Stats {
	return Stats{TrafficStats: g.traffic.Stats(), ActiveConnections: g.active.Load()}
}

func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.cancel()
		if g.listener != nil {
			g.listener.Close()
		}
		if g.socksListener != nil {
			g.socksListener.Close()
		}
		g.waitGroup.Wait()
		logger.Info().Msg("Gateway has been shut down")
	})
}
