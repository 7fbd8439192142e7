package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"

	"github.com/armon/go-socks5"

	"proxyswitch/internal/shared/logger"
)

// remoteResolver 不在本地解析域名，交由出站代理解析。
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// InitializeSOCKSListener 在本机回环地址上开启 SOCKS5 入口，返回实际端口。
// user 非空时要求用户名密码认证。
func (g *Gateway) InitializeSOCKSListener(port int, user, password string) (int, error) {
	l := logger.WithComponent("Gateway/SOCKS5")

	conf := &socks5.Config{
		Resolver: remoteResolver{},
		Dial:     g.dialSOCKS,
		Logger:   log.New(l, "", 0),
	}
	if user != "" {
		creds := socks5.StaticCredentials{user: password}
		conf.Credentials = creds
		conf.AuthMethods = []socks5.Authenticator{socks5.UserPassAuthenticator{Credentials: creds}}
	}
	server, err := socks5.New(conf)
	if err != nil {
		return 0, fmt.Errorf("failed to create SOCKS5 server: %w", err)
	}

	listenAddr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return 0, fmt.Errorf("gateway failed to listen on %s: %w", listenAddr, err)
	}
	g.socksServer = server
	g.socksListener = listener
	l.Info().Str("listen_addr", listener.Addr().String()).Bool("auth", user != "").Msg(">>> SOCKS5 gateway is listening.")
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// ServeSOCKS 阻塞直到 SOCKS5 监听关闭。
func (g *Gateway) ServeSOCKS() {
	if g.socksListener == nil {
		logger.Error().Msg("Gateway.ServeSOCKS() called before InitializeSOCKSListener()")
		return
	}
	g.waitGroup.Add(1)
	defer g.waitGroup.Done()
	// Serve 在监听关闭时返回错误，视为正常退出
	_ = g.socksServer.Serve(trackingListener{Listener: g.socksListener, g: g})
	logger.Info().Msg("SOCKS5 gateway listener is closing.")
}

func (g *Gateway) dialSOCKS(ctx context.Context, network, addr string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := g.dialer.DialContext(dialCtx, network, addr)
	if err != nil {
		logger.WithComponent("Gateway/SOCKS5").Warn().Err(err).Str("target", addr).Msg("Failed to dial target through active proxy")
		g.logTraffic("socks5", "CONNECT", addr, "Failed", err)
		return nil, err
	}
	g.logTraffic("socks5", "CONNECT", addr, "Forwarded", nil)
	return g.traffic.Wrap(conn), nil
}

// trackingListener 统计 SOCKS5 入口上的活动连接数。
type trackingListener struct {
	net.Listener
	g *Gateway
}

func (t trackingListener) Accept() (net.Conn, error) {
	conn, err := t.Listener.Accept()
	if err != nil {
		return nil, err
	}
	t.g.active.Add(1)
	return &trackedConn{Conn: conn, g: t.g}, nil
}

type trackedConn struct {
	net.Conn
	g      *Gateway
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.g.active.Add(-1)
	}
	return c.Conn.Close()
}
