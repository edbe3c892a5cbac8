package logger

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// LogMessage 推送给日志订阅者的一条日志
type LogMessage struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Hub 以 logrus 钩子的形式把日志广播给 WebSocket 订阅者
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	levels     []logrus.Level

	mu      sync.RWMutex
	dropped uint64
}

// NewHub 创建日志广播器，只转发不低于 minLevel 的日志
func NewHub(minLevel logrus.Level) *Hub {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		levels:     levels,
	}
}

// Levels 实现 logrus.Hook
func (h *Hub) Levels() []logrus.Level {
	return h.levels
}

// Fire 实现 logrus.Hook；通道满时丢弃，不阻塞写日志的一方
func (h *Hub) Fire(e *logrus.Entry) error {
	msg := LogMessage{
		Level:     e.Level.String(),
		Message:   e.Message,
		Timestamp: e.Time,
	}
	if len(e.Data) > 0 {
		msg.Fields = make(map[string]interface{}, len(e.Data))
		for k, v := range e.Data {
			if k == "component" {
				msg.Component, _ = v.(string)
				continue
			}
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			msg.Fields[k] = v
		}
	}

	select {
	case h.broadcast <- msg:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
	return nil
}

// Run 处理订阅与广播，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				c.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				c.SetWriteDeadline(time.Now().Add(time.Second))
				if err := c.WriteJSON(msg); err != nil {
					delete(h.clients, c)
					c.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients 当前订阅者数量
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped 因通道满被丢弃的日志数量
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket 订阅日志流；订阅者只读，发送的任何消息都被忽略
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case h.register <- conn:
	case <-r.Context().Done():
		conn.Close()
		return
	}
	defer func() {
		select {
		case h.unregister <- conn:
		case <-time.After(time.Second):
			conn.Close()
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
