package wsclient

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"FleetBroker/internal/broker"
	"FleetBroker/internal/logger"
	"FleetBroker/internal/protocol"
)

// ClientState agent 客户端状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateWaiting // 已连接，等待 offer
	StateAttached
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateWaiting:
		return "WAITING"
	case StateAttached:
		return "ATTACHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Handler agent 侧的会话处理逻辑
type Handler interface {
	// OnCommand 处理一条 Shell 命令，返回值非空时作为输出回传
	OnCommand(cmd []byte) []byte
	// NextFrame 采集一帧屏幕画面，返回空切片表示本周期跳过
	NextFrame() ([]byte, error)
}

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// SessionEndHandler 会话结束回调
type SessionEndHandler func(sessionID, reason string)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL                 string // broker WebSocket 地址，如 ws://host:18080
	NodeID              string
	Kind                broker.Kind
	HandshakeTimeout    time.Duration
	HeartbeatInterval   time.Duration
	WriteTimeout        time.Duration
	FrameInterval       time.Duration // 为 0 时按会话参数中的 fps 计算
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMaxElapsed time.Duration // 为 0 时无限重试
	UserAgent           string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url, nodeID string, kind broker.Kind) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		NodeID:            nodeID,
		Kind:              kind,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReconnectInitial:  500 * time.Millisecond,
		ReconnectMax:      30 * time.Second,
		UserAgent:         "FleetBroker-agent/1.0",
	}
}

// Client agent 客户端：等待 broker 下发会话、确认接入、处理转发数据，断线后指数退避重连
type Client struct {
	config  *ClientConfig
	handler Handler
	dialer  *websocket.Dialer
	log     *logrus.Entry
	state   atomic.Int32

	onStateChange StateChangeHandler
	onSessionEnd  SessionEndHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	writeMu   sync.Mutex // 专用于WebSocket写入同步

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	paused atomic.Bool

	// 统计
	sessions   atomic.Int32
	reconnects atomic.Int32
	commands   atomic.Uint64
	framesSent atomic.Uint64
	avgRTT     atomic.Int64 // nano seconds
}

// New 创建 agent 客户端
func New(config *ClientConfig, handler Handler) *Client {
	if config == nil {
		panic("config cannot be nil")
	}
	if handler == nil {
		panic("handler cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	if config.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = config.HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.ReconnectInitial <= 0 {
		config.ReconnectInitial = 500 * time.Millisecond
	}
	if config.ReconnectMax < config.ReconnectInitial {
		config.ReconnectMax = config.ReconnectInitial
	}

	c := &Client{
		config:   config,
		handler:  handler,
		dialer:   &dialer,
		log:      logger.NewLogger("wsclient").WithFields(logrus.Fields{"node_id": config.NodeID, "kind": config.Kind.String()}),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.setState(StateDisconnected)
	return c
}

// SetStateChangeHandler 设置状态变化处理器，需在 Run 之前调用
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// SetSessionEndHandler 设置会话结束回调，需在 Run 之前调用
func (c *Client) SetSessionEndHandler(handler SessionEndHandler) {
	c.onSessionEnd = handler
}

// Run 阻塞运行直到 ctx 结束或 Close；重连耗尽时返回最后一次拨号错误
func (c *Client) Run(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	bo := c.newBackOff()
	for {
		conn, err := c.dial(ctx, bo)
		if err != nil {
			c.setState(StateClosed)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		attached, err := c.serve(ctx, conn)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return nil
		}
		c.reconnects.Add(1)
		c.setState(StateConnecting)

		if attached {
			// 会话正常结束，立即回到等待状态
			bo.Reset()
			continue
		}
		c.log.WithError(err).Warn("connection lost before attach")
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.setState(StateClosed)
			return fmt.Errorf("reconnect budget exhausted: %w", err)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			c.setState(StateClosed)
			return nil
		}
	}
}

// Close 停止客户端并等待 Run 退出
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	if c.compareAndSwapState(StateDisconnected, StateClosed) {
		return nil // 从未运行
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent closing"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	<-c.done
	return nil
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.ReconnectInitial
	bo.MaxInterval = c.config.ReconnectMax
	bo.MaxElapsedTime = c.config.ReconnectMaxElapsed
	bo.Reset()
	return bo
}

// dial 带指数退避的拨号，参数错误（400）不重试
func (c *Client) dial(ctx context.Context, bo *backoff.ExponentialBackOff) (*websocket.Conn, error) {
	target, err := c.agentURL()
	if err != nil {
		return nil, err
	}
	headers := http.Header{"User-Agent": []string{c.config.UserAgent}}

	var conn *websocket.Conn
	op := func() error {
		ws, resp, err := c.dialer.DialContext(ctx, target, headers)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusBadRequest {
				return backoff.Permanent(fmt.Errorf("dial %s: %w", target, err))
			}
			return fmt.Errorf("dial %s: %w", target, err)
		}
		conn = ws
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("retry_in", wait.String()).Warn("dial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	bo.Reset()
	return conn, nil
}

func (c *Client) agentURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse broker url: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/ws/agent") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/agent"
	}
	q := u.Query()
	q.Set("node_id", c.config.NodeID)
	q.Set("kind", c.config.Kind.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serve 处理一条连接直到断开，返回期间是否接入过会话
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) (bool, error) {
	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()
	c.setState(StateWaiting)

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		ws.Close()
		wg.Wait()
		c.mu.Lock()
		c.conn = nil
		c.sessionID = ""
		c.mu.Unlock()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		<-connCtx.Done()
		ws.Close()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop(connCtx)
	}()

	attached := false
	frameInterval := c.config.FrameInterval
	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			return attached, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := protocol.DecodeFrame(raw)
		if err != nil {
			c.log.WithError(err).Debug("dropping malformed frame")
			continue
		}

		switch f.Opcode {
		case protocol.OpSessionOffer:
			var offer protocol.SessionOffer
			if err := protocol.Unmarshal(f.Body, &offer); err != nil {
				c.log.WithError(err).Warn("malformed offer")
				continue
			}
			if interval := intervalFor(offer.Settings); c.config.FrameInterval <= 0 && interval > 0 {
				frameInterval = interval
			}
			c.mu.Lock()
			c.sessionID = offer.SessionID
			c.mu.Unlock()
			c.paused.Store(false)
			if err := c.writeMessage(protocol.OpAgentAccept, protocol.AgentAccept{SessionID: offer.SessionID}); err != nil {
				return attached, err
			}
			c.log.WithFields(logrus.Fields{"session_id": offer.SessionID, "requested_by": offer.RequestedBy}).Info("session offered")

		case protocol.OpAttached:
			attached = true
			c.sessions.Add(1)
			c.setState(StateAttached)
			if c.config.Kind == broker.KindScreen {
				wg.Add(1)
				go func(interval time.Duration) {
					defer wg.Done()
					c.framePump(connCtx, interval)
				}(frameInterval)
			}

		case protocol.OpShellCommand:
			c.commands.Add(1)
			if out := c.handler.OnCommand(f.Body); len(out) > 0 {
				if err := c.writeFrame(protocol.OpShellOutput, out); err != nil {
					return attached, err
				}
			}

		case protocol.OpControl:
			switch string(f.Body) {
			case broker.ControlPause:
				c.paused.Store(true)
			case broker.ControlResume:
				c.paused.Store(false)
			}

		case protocol.OpHeartbeatResp:
			c.recordRTT(f.Body)

		case protocol.OpSessionClosed:
			var closed protocol.SessionClosed
			_ = protocol.Unmarshal(f.Body, &closed)
			c.log.WithFields(logrus.Fields{"session_id": closed.SessionID, "reason": closed.Reason}).Info("session closed by broker")
			if c.onSessionEnd != nil {
				c.onSessionEnd(closed.SessionID, closed.Reason)
			}

		case protocol.OpError:
			var body protocol.ErrorBody
			_ = protocol.Unmarshal(f.Body, &body)
			c.log.WithFields(logrus.Fields{"code": body.Code, "message": body.Message}).Warn("broker rejected attach")
		}
	}
}

// intervalFor 由会话参数中的 fps 计算帧间隔
func intervalFor(raw json.RawMessage) time.Duration {
	if len(raw) == 0 {
		return 0
	}
	var settings broker.Settings
	if err := json.Unmarshal(raw, &settings); err != nil || settings.Screen == nil || settings.Screen.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(settings.Screen.FPS)
}

// framePump 按帧间隔采集并发送屏幕帧，暂停期间不采集
func (c *Client) framePump(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.paused.Load() {
			continue
		}
		frame, err := c.handler.NextFrame()
		if err != nil {
			c.log.WithError(err).Warn("capture frame failed")
			continue
		}
		if len(frame) == 0 {
			continue
		}
		if err := c.writeFrame(protocol.OpScreenFrame, frame); err != nil {
			return
		}
		c.framesSent.Add(1)
	}
}

// heartbeatLoop 心跳循环，消息体为发送时刻，服务端原样返回
func (c *Client) heartbeatLoop(ctx context.Context) {
	if c.config.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			body := make([]byte, 8)
			binary.BigEndian.PutUint64(body, uint64(time.Now().UnixNano()))
			if err := c.writeFrame(protocol.OpHeartbeat, body); err != nil {
				c.log.WithError(err).Debug("send heartbeat failed")
				return
			}
		}
	}
}

func (c *Client) recordRTT(body []byte) {
	if len(body) != 8 {
		return
	}
	sent := time.Unix(0, int64(binary.BigEndian.Uint64(body)))
	rtt := time.Since(sent)
	if rtt <= 0 {
		return
	}
	old := time.Duration(c.avgRTT.Load())
	if old == 0 {
		old = rtt
	}
	// 简单移动平均
	c.avgRTT.Store(int64((old + rtt) / 2))
}

func (c *Client) writeMessage(op uint16, v interface{}) error {
	body, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeFrame(op, body)
}

func (c *Client) writeFrame(op uint16, body []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("connection is nil")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(op, body))
}

// State 当前状态
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// SessionID 当前处理的会话ID
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Paused 屏幕采集是否处于暂停
func (c *Client) Paused() bool {
	return c.paused.Load()
}

func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":       c.State().String(),
		"session_id":  c.SessionID(),
		"sessions":    c.sessions.Load(),
		"reconnects":  c.reconnects.Load(),
		"commands":    c.commands.Load(),
		"frames_sent": c.framesSent.Load(),
		"avg_rtt_ms":  time.Duration(c.avgRTT.Load()).Milliseconds(),
	}
}
