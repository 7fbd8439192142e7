package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proxyswitch/internal/shared/logger"
	"proxyswitch/internal/shared/settings"
)

// TrafficLogEntry 是本地网关的一条连接记录。
type TrafficLogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	ClientIP    string    `json:"client_ip"`
	Method      string    `json:"method"`
	Destination string    `json:"destination"`
	Action      string    `json:"action"`
	Error       string    `json:"error,omitempty"`
}

// StatusUpdate 在指示器变化时推送。
type StatusUpdate struct {
	Timestamp time.Time `json:"timestamp"`
	Badge     string    `json:"badge"`
	Enabled   bool      `json:"enabled"`
}

// DashboardStats 是网关的周期统计，速率单位为字节每秒。
type DashboardStats struct {
	Timestamp         time.Time `json:"timestamp"`
	ActiveConnections int64     `json:"active_connections"`
	UplinkRate        uint64    `json:"uplink_rate"`
	DownlinkRate      uint64    `json:"downlink_rate"`
}

// WebSocketMessage 是推送消息的通用格式。
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub 管理 WebSocket 客户端并广播消息。
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client registered.")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client unregistered.")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					// 读循环会负责注销断开的客户端
					logger.Warn().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("Error writing to websocket client.")
				}
			}
			h.mu.Unlock()
		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		}
	}
}

// ClientCount 返回已注册的客户端数量。
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stop 结束 Run 循环并关闭所有客户端。
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) send(msgType string, data interface{}) {
	jsonMsg, err := json.Marshal(WebSocketMessage{Type: msgType, Data: data})
	if err != nil {
		logger.Error().Err(err).Str("type", msgType).Msg("Hub: Failed to marshal message")
		return
	}
	select {
	case h.broadcast <- jsonMsg:
	default:
		// 通道满时丢弃，避免阻塞调用方
	}
}

// BroadcastStatus 推送指示器状态。
func (h *Hub) BroadcastStatus(enabled bool, badge string) {
	logger.Debug().Bool("enabled", enabled).Msg("Hub: Broadcasting status update to all clients.")
	h.send("status_update", &StatusUpdate{Timestamp: time.Now(), Badge: badge, Enabled: enabled})
}

// BroadcastSwitch 推送一次切换操作的结果。
func (h *Hub) BroadcastSwitch(result interface{}) {
	h.send("switch_result", result)
}

// BroadcastStats 推送网关的周期统计。
func (h *Hub) BroadcastStats(stats *DashboardStats) {
	h.send("stats_update", stats)
}

// OnPrefsUpdate 把新的仪表盘偏好推送给所有客户端，使多个窗口保持一致。
func (h *Hub) OnPrefsUpdate(prefs settings.UIPrefs) error {
	h.send("prefs_update", prefs)
	return nil
}

var _ settings.Subscriber = (*Hub)(nil)

// BroadcastTrafficLog 推送一条网关连接记录。
func (h *Hub) BroadcastTrafficLog(entry *TrafficLogEntry) {
	h.send("traffic_log", entry)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs 把请求升级为 WebSocket 并注册到 hub。
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	select {
	case hub.register <- conn:
	case <-hub.done:
		conn.Close()
		return
	}

	// 读循环，用于发现客户端断开
	go func() {
		defer func() {
			select {
			case hub.unregister <- conn:
			case <-hub.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn().Err(err).Msg("Unexpected websocket close error")
				}
				break
			}
		}
	}()
}
