package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"proxyswitch/internal/service/web"
)

const dialTimeout = 15 * time.Second

// serveHTTPProxy 处理一个本地 HTTP 代理请求：CONNECT 建立隧道，其余请求改写为源站形式后转发。
func (g *Gateway) serveHTTPProxy(ctx context.Context, inboundConn net.Conn, inboundReader *bufio.Reader) {
	l := zerolog.Ctx(ctx)
	clientIP := inboundConn.RemoteAddr().String()

	req, err := http.ReadRequest(inboundReader)
	if err != nil {
		l.Warn().Err(err).Str("client_ip", clientIP).Msg("Gateway: Failed to read HTTP request")
		return
	}
	target := targetAddr(req)
	if target == "" {
		writeStatus(inboundConn, http.StatusBadRequest)
		return
	}
	g.logTraffic(clientIP, req.Method, target, "Intercepted", nil)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	outbound, err := g.dialer.DialContext(dialCtx, "tcp", target)
	cancel()
	if err != nil {
		l.Warn().Err(err).Str("target", target).Msg("Gateway: Failed to dial target through active proxy")
		g.logTraffic(clientIP, req.Method, target, "Failed", err)
		writeStatus(inboundConn, http.StatusBadGateway)
		return
	}
	backendConn := g.traffic.Wrap(outbound)
	defer backendConn.Close()
	// 网关关闭时打断仍在拷贝的隧道
	stop := context.AfterFunc(ctx, func() {
		backendConn.Close()
		inboundConn.Close()
	})
	defer stop()

	if req.Method == http.MethodConnect {
		if _, err := io.WriteString(inboundConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			l.Warn().Err(err).Str("client_ip", clientIP).Msg("Gateway: Failed to send CONNECT OK response to client.")
			return
		}
	} else {
		req.Header.Del("Proxy-Connection")
		req.Header.Del("Proxy-Authorization")
		req.Header.Set("Connection", "close")
		req.Close = true
		if err := req.Write(backendConn); err != nil {
			l.Warn().Err(err).Str("target", target).Msg("Gateway: Failed to forward HTTP request.")
			return
		}
	}
	g.logTraffic(clientIP, req.Method, target, "Forwarded", nil)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		// inboundReader 里可能已缓冲了客户端数据
		_, _ = io.Copy(backendConn, inboundReader)
		_ = backendConn.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(inboundConn, backendConn)
		if tcpConn, ok := inboundConn.(interface{ CloseWrite() error }); ok {
			_ = tcpConn.CloseWrite()
		}
	}()

	wg.Wait()
}

// targetAddr 从代理请求中取出 host:port。
func targetAddr(req *http.Request) string {
	host := req.Host
	if req.Method != http.MethodConnect && req.URL != nil && req.URL.Host != "" {
		host = req.URL.Host
	}
	if host == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := "80"
	if req.URL != nil && req.URL.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(host, port)
}

func writeStatus(conn net.Conn, status int) {
	_, _ = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n", status, http.StatusText(status))
}

func (g *Gateway) logTraffic(clientIP, method, target, action string, err error) {
	if g.hub == nil {
		return
	}
	entry := &web.TrafficLogEntry{
		Timestamp:   time.Now(),
		ClientIP:    clientIP,
		Method:      method,
		Destination: target,
		Action:      action,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	g.hub.BroadcastTrafficLog(entry)
}
