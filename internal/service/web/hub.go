package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proxyhub/internal/shared/logger"
	manager "proxyhub/proxypool"
)

const (
	writeWait      = 10 * time.Second
	clientSendSize = 8
)

// WebSocketMessage 定义了 WebSocket 消息的通用格式
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// wsClient 是一个已注册的连接及其待发送队列
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub 维护所有 WebSocket 客户端，并把刷新事件推送给它们。
// 每个客户端有自己的写协程，慢客户端的队列满时会被断开，不会阻塞其它客户端。
type Hub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run 处理注册、注销和广播，直到 ctx 结束，然后断开所有客户端。
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			logger.Info().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("WebSocket client registered.")
		case c := <-h.unregister:
			h.drop(c)
		case message := <-h.broadcast:
			h.mu.Lock()
			var slow []*wsClient
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()
			for _, c := range slow {
				logger.Warn().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("WebSocket client too slow, disconnecting.")
				h.drop(c)
			}
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	logger.Info().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("WebSocket client unregistered.")
}

// ClientCount returns the number of registered websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastRefresh 广播刷新周期结束事件，可直接注册为 Manager.OnRefresh 回调。
func (h *Hub) BroadcastRefresh(event manager.RefreshEvent) {
	jsonMsg, err := json.Marshal(WebSocketMessage{Type: "refresh", Data: event})
	if err != nil {
		logger.Error().Err(err).Msg("Hub: Failed to marshal refresh event")
		return
	}

	select {
	case h.broadcast <- jsonMsg:
	default:
		logger.Warn().Msg("Hub: Broadcast channel is full, skipping refresh event.")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs upgrades the request and attaches the connection to the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientSendSize)}

	select {
	case hub.register <- c:
	case <-hub.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump(hub)
}

// writePump 把队列中的消息写给客户端；队列被关闭时发送 close 帧并断开。
func (c *wsClient) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logger.Warn().Err(err).Str("remote_addr", c.conn.RemoteAddr().String()).Msg("Error writing to websocket client.")
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump 只用于发现客户端断开。
func (c *wsClient) readPump(hub *Hub) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("Unexpected websocket close error")
			}
			return
		}
	}
}
