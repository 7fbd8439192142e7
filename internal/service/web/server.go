package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"proxyswitch/internal/shared/logger"
	"proxyswitch/internal/shared/types"
)

// loggingListener 在 debug 级别记录每个接入的连接。
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebServer: connection accepted.")
	}
	return conn, err
}

// basicAuthMiddleware 在配置了用户名和密码时启用 HTTP Basic 认证。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewMux 注册全部路由。
func NewMux(cfg *types.WebConf, handler *Handler, hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	user, pass := cfg.User, cfg.Password
	protect := func(path string, fn http.HandlerFunc) {
		mux.Handle(path, basicAuthMiddleware(fn, user, pass))
	}

	protect("/api/dashboard", handler.HandleDashboard)
	protect("/api/dashboard/refresh", handler.HandleDashboardRefresh)
	protect("/api/proxy/apply", handler.HandleApply)
	protect("/api/proxy/disable", handler.HandleDisable)
	protect("/api/proxy/random", handler.HandleRandom)
	protect("/api/proxy/next", handler.HandleNext)
	protect("/api/proxy/smart", handler.HandleSmart)
	protect("/api/ip", handler.HandleIP)
	protect("/api/prefs", handler.HandlePrefs)

	// 公开的状态接口和推送通道
	mux.HandleFunc("/api/status", handler.HandleStatus)
	if hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(hub, w, r)
		})
	}
	return mux
}

// Server 是 Web API 服务。
type Server struct {
	cfg  *types.WebConf
	srv  *http.Server
	mu   sync.Mutex
	addr string
}

func NewServer(cfg *types.WebConf, handler *Handler, hub *Hub) *Server {
	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Handler:           NewMux(cfg, handler, hub),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start 开始监听并在后台提供服务。端口为 0 时不启动。
func (s *Server) Start(wg *sync.WaitGroup) error {
	if s.cfg.Port <= 0 {
		logger.Info().Msg("[WebServer] Web API is disabled (port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start web API on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.mu.Unlock()
	logger.Info().Msgf("SUCCESS: Web API is listening on http://%s", s.addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Addr 返回实际监听地址。
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
