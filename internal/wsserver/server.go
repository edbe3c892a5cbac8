package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"FleetBroker/internal/broker"
	"FleetBroker/internal/logger"
	"FleetBroker/internal/protocol"
)

// SessionBroker WebSocket 层依赖的 broker 能力
type SessionBroker interface {
	PollPending(nodeID string, kind broker.Kind) (broker.Snapshot, bool)
	AttachAgent(id string, t broker.Transport) error
	AttachViewer(id string, t broker.Transport) error
	Close(id, reason string) error
	Stats() map[string]interface{}
}

// ServerConfig WebSocket 服务配置
type ServerConfig struct {
	Addr             string
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration // agent 收到 offer 后确认的时限
	WriteTimeout     time.Duration
	PollInterval     time.Duration // agent 连接上轮询待接入会话的周期
	MaxConnections   int
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		Addr:             addr,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PollInterval:     time.Second,
		MaxConnections:   10000,
	}
}

// Server agent 与 viewer 的 WebSocket 接入点
type Server struct {
	config   ServerConfig
	broker   SessionBroker
	hub      *logger.Hub
	log      *logrus.Entry
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	connections sync.Map // map[string]*Conn
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	stopCh    chan struct{}
	stopOnce  sync.Once
	isRunning atomic.Bool

	totalConnections atomic.Uint64
	startTime        time.Time
}

// Option 服务选项
type Option func(*Server)

// WithLogHub 挂载 /ws/logs 日志流
func WithLogHub(h *logger.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithLogger 设置日志
func WithLogger(l *logrus.Entry) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New 创建 WebSocket 服务
func New(config ServerConfig, b SessionBroker, opts ...Option) *Server {
	defaults := DefaultServerConfig(config.Addr)
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = defaults.MaxConnections
	}

	s := &Server{
		config: config,
		broker: b,
		log:    logger.NewLogger("wsserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		stopCh:    make(chan struct{}),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{Addr: config.Addr, Handler: s.Handler()}
	return s
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", s.handleAgent)
	mux.HandleFunc("/ws/viewer", s.handleViewer)
	mux.HandleFunc("/stats", s.handleStats)
	if s.hub != nil {
		mux.HandleFunc("/ws/logs", s.hub.HandleWebSocket)
	}
	return mux
}

// Start 开始监听
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.log.WithField("addr", ln.Addr().String()).Info("websocket server listening")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("websocket server error")
		}
	}()
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown 停止接入新连接，断开现有连接并等待处理协程退出
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()

	s.connections.Range(func(_, value interface{}) bool {
		value.(*Conn).terminate("server shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for connections: %w", ctx.Err())
	}

	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// accept 升级连接并登记
func (s *Server) accept(w http.ResponseWriter, r *http.Request, role string) (*Conn, bool) {
	select {
	case <-s.stopCh:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return nil, false
	default:
	}
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return nil, false
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return nil, false
	}

	id := fmt.Sprintf("%s_%d_%d", role, time.Now().UnixNano(), s.totalConnections.Add(1))
	c := newConn(id, role, ws, s.config.WriteTimeout, s.log)
	s.connections.Store(id, c)
	s.connCount.Add(1)
	s.connWg.Add(1)
	c.log.WithField("remote", r.RemoteAddr).Debug("connection accepted")
	return c, true
}

func (s *Server) release(c *Conn) {
	c.terminate("connection ended")
	s.connections.Delete(c.ID)
	s.connCount.Add(-1)
	s.connWg.Done()
}

// handleAgent agent 接入：等待待接入会话、下发 offer、确认后绑定
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nodeID := q.Get("node_id")
	kind, err := broker.ParseKind(q.Get("kind"))
	if nodeID == "" || err != nil {
		http.Error(w, "node_id and kind are required", http.StatusBadRequest)
		return
	}

	c, ok := s.accept(w, r, "agent")
	if !ok {
		return
	}
	defer s.release(c)
	log := c.log.WithFields(logrus.Fields{"node_id": nodeID, "kind": kind.String()})

	for {
		id, ok := s.awaitAccept(c, nodeID, kind)
		if !ok {
			return
		}

		c.setSession(id)
		if err := s.broker.AttachAgent(id, c); err != nil {
			log.WithError(err).WithField("session_id", id).Warn("agent attach rejected")
			c.setSession("")
			s.sendError(c, err)
			continue
		}
		_ = c.writeMessage(context.Background(), protocol.OpAttached,
			protocol.Attached{SessionID: id, Kind: kind.String(), Role: "agent"})

		s.hold(c, id, broker.ReasonAgentDisconnected)
		return
	}
}

// awaitAccept 轮询节点的待接入会话，下发 offer 并等待 agent 确认
func (s *Server) awaitAccept(c *Conn, nodeID string, kind broker.Kind) (string, bool) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		if snap, ok := s.broker.PollPending(nodeID, kind); ok {
			if s.offer(c, snap) {
				return snap.ID, true
			}
		}

		select {
		case <-ticker.C:
		case <-c.Gone():
			return "", false
		case <-c.Closed():
			return "", false
		case <-s.stopCh:
			return "", false
		}
	}
}

// offer 返回 agent 是否确认了该会话
func (s *Server) offer(c *Conn, snap broker.Snapshot) bool {
	settings, _ := json.Marshal(snap.Settings)
	err := c.writeMessage(context.Background(), protocol.OpSessionOffer, protocol.SessionOffer{
		SessionID:   snap.ID,
		Kind:        snap.KindName,
		RequestedBy: snap.RequestedBy,
		Settings:    settings,
	})
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.HandshakeTimeout)
	defer cancel()
	for {
		f, err := c.nextFrame(ctx)
		if err != nil {
			return false
		}
		if f.Opcode != protocol.OpAgentAccept {
			continue
		}
		var accept protocol.AgentAccept
		if err := protocol.Unmarshal(f.Body, &accept); err != nil {
			c.log.WithError(err).Debug("malformed accept")
			return false
		}
		return accept.SessionID == snap.ID
	}
}

// handleViewer viewer 接入指定会话
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("session_id")
	if id == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	c, ok := s.accept(w, r, "viewer")
	if !ok {
		return
	}
	defer s.release(c)
	log := c.log.WithFields(logrus.Fields{"session_id": id, "user_id": q.Get("user_id")})

	c.setSession(id)
	if err := s.broker.AttachViewer(id, c); err != nil {
		log.WithError(err).Warn("viewer attach rejected")
		s.sendError(c, err)
		return
	}
	_ = c.writeMessage(context.Background(), protocol.OpAttached,
		protocol.Attached{SessionID: id, Role: "viewer"})

	s.hold(c, id, broker.ReasonViewerDisconnected)
}

// hold 保持连接直到会话关闭、对端断开或服务停止
func (s *Server) hold(c *Conn, id, reason string) {
	select {
	case <-c.Closed():
	case <-c.Gone():
		if err := s.broker.Close(id, reason); err != nil && !errors.Is(err, broker.ErrNotFound) {
			c.log.WithError(err).Warn("close on disconnect failed")
		}
	case <-s.stopCh:
	}
}

func (s *Server) sendError(c *Conn, err error) {
	_ = c.writeMessage(context.Background(), protocol.OpError, protocol.ErrorBody{
		Code:    ErrorCode(err),
		Message: err.Error(),
	})
}

// ErrorCode broker 错误到协议错误码
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, broker.ErrNotFound):
		return "not_found"
	case errors.Is(err, broker.ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, broker.ErrBrokerClosed):
		return "unavailable"
	case errors.Is(err, broker.ErrInvalidTransition), errors.Is(err, broker.ErrInvalidSettings), errors.Is(err, broker.ErrUnknownKind):
		return "invalid"
	default:
		return "internal"
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.GetStats())
}

// GetStats 服务与 broker 统计信息
func (s *Server) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
	}
	if s.hub != nil {
		stats["log_subscribers"] = s.hub.Clients()
	}
	for k, v := range s.broker.Stats() {
		stats["broker_"+k] = v
	}
	return stats
}

// GetConnectionStats 各连接统计信息
func (s *Server) GetConnectionStats() map[string]*ConnectionStats {
	stats := make(map[string]*ConnectionStats)
	s.connections.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Conn).Stats
		return true
	})
	return stats
}
