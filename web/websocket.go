package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"optionsdesk/event"
	"optionsdesk/logger"
	"optionsdesk/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	clientSendSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // 仪表盘与接口同源部署，不做来源限制
	},
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub 把事件总线上的会话事件推送给所有 UI 连接
// 单个客户端写不过来时直接断开，不拖慢其他客户端
type Hub struct {
	bus *event.EventBus

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	events <-chan *event.Event
	done   chan struct{}
	once   sync.Once
}

// NewHub 创建推送中心
func NewHub(bus *event.EventBus) *Hub {
	return &Hub{
		bus:     bus,
		clients: make(map[*wsClient]struct{}),
		done:    make(chan struct{}),
	}
}

// Start 订阅事件总线并开始广播
func (h *Hub) Start() {
	h.events = h.bus.Subscribe("ui")
	go h.run()
}

// Stop 取消订阅并断开所有客户端
func (h *Hub) Stop() {
	h.once.Do(func() {
		if h.events != nil {
			h.bus.Unsubscribe(h.events)
			<-h.done
		}
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		metrics.GetPrometheusMetrics().SetUIClients(0)
	})
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	defer close(h.done)
	for evt := range h.events {
		data, err := json.Marshal(evt)
		if err != nil {
			logger.Warn("⚠️ 序列化推送事件失败 (%s): %v", evt.Type, err)
			continue
		}
		h.broadcast(data)
	}
}

func (h *Hub) broadcast(data []byte) {
	var slow []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logger.Warn("⚠️ UI 客户端推送过慢，断开连接: %s", c.conn.RemoteAddr())
		h.remove(c)
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.GetPrometheusMetrics().SetUIClients(n)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.GetPrometheusMetrics().SetUIClients(n)
}

// ServeWS GET /live/stream
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("⚠️ WebSocket 升级失败: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, clientSendSize)}
	h.add(client)
	logger.Debug("🔌 UI 客户端已连接: %s", conn.RemoteAddr())

	go h.writePump(client)
	h.readPump(client)
}

// readPump 只处理心跳和关闭，客户端消息丢弃
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
