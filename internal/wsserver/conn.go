package wsserver

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"FleetBroker/internal/broker"
	"FleetBroker/internal/protocol"
)

// ErrConnClosed 连接已被本端关闭
var ErrConnClosed = errors.New("connection closed")

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	BytesReceived    atomic.Uint64
	BytesSent        atomic.Uint64
	LastActivity     atomic.Int64 // unix nano
}

// Conn 一条 agent 或 viewer 的 WebSocket 连接，实现 broker.Transport
//
// 读循环独占 ws 的读端；所有写操作经 writeMu 串行化。
type Conn struct {
	ID    string
	Role  string
	Stats *ConnectionStats

	ws           *websocket.Conn
	writeTimeout time.Duration
	log          *logrus.Entry

	writeMu sync.Mutex
	frames  chan protocol.Frame

	gone    chan struct{} // 读循环已退出
	readErr error

	closeOnce sync.Once
	closed    chan struct{} // 本端已关闭

	mu        sync.Mutex
	sessionID string
}

func newConn(id, role string, ws *websocket.Conn, writeTimeout time.Duration, log *logrus.Entry) *Conn {
	c := &Conn{
		ID:           id,
		Role:         role,
		Stats:        &ConnectionStats{ConnectedAt: time.Now()},
		ws:           ws,
		writeTimeout: writeTimeout,
		log:          log.WithFields(logrus.Fields{"conn_id": id, "role": role}),
		frames:       make(chan protocol.Frame, 64),
		gone:         make(chan struct{}),
		closed:       make(chan struct{}),
	}
	c.Stats.LastActivity.Store(time.Now().UnixNano())
	ws.SetReadLimit(protocol.MaxFrameSize)
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.gone)

	for {
		mt, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("connection read error")
			}
			c.readErr = err
			return
		}
		c.Stats.MessagesReceived.Add(1)
		c.Stats.BytesReceived.Add(uint64(len(raw)))
		c.Stats.LastActivity.Store(time.Now().UnixNano())

		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := protocol.DecodeFrame(raw)
		if err != nil {
			c.log.WithError(err).Debug("dropping malformed frame")
			continue
		}
		if f.Opcode == protocol.OpHeartbeat {
			_ = c.writeFrame(context.Background(), protocol.OpHeartbeatResp, f.Body)
			continue
		}

		select {
		case c.frames <- f:
		case <-c.closed:
			return
		}
	}
}

// nextFrame 读取下一帧；对端断开返回 readErr，本端关闭返回 ErrConnClosed
func (c *Conn) nextFrame(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.gone:
		if c.readErr != nil {
			return protocol.Frame{}, c.readErr
		}
		return protocol.Frame{}, io.EOF
	case <-c.closed:
		return protocol.Frame{}, ErrConnClosed
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// Receive 实现 broker.Transport，跳过非转发帧
func (c *Conn) Receive(ctx context.Context) (broker.Message, error) {
	for {
		f, err := c.nextFrame(ctx)
		if err != nil {
			return broker.Message{}, err
		}
		if msg, ok := toMessage(f); ok {
			return msg, nil
		}
		c.log.WithField("opcode", protocol.OpcodeToString(f.Opcode)).Debug("ignoring non-relay frame")
	}
}

// Send 实现 broker.Transport
func (c *Conn) Send(ctx context.Context, msg broker.Message) error {
	op, ok := opcodeFor(msg.Type)
	if !ok {
		return errors.New("unsupported message type " + msg.Type.String())
	}
	return c.writeFrame(ctx, op, msg.Data)
}

// Close 实现 broker.Transport：通知对端会话已关闭，随后断开连接
func (c *Conn) Close(ctx context.Context, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		body, merr := protocol.Marshal(protocol.SessionClosed{SessionID: c.Session(), Reason: reason})
		if merr == nil {
			err = c.write(ctx, websocket.BinaryMessage, protocol.EncodeFrame(protocol.OpSessionClosed, body))
		}
		c.shutdown(reason)
	})
	return err
}

// terminate 不发送会话关闭通知直接断开
func (c *Conn) terminate(reason string) {
	c.closeOnce.Do(func() { c.shutdown(reason) })
}

func (c *Conn) shutdown(reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	close(c.closed)
	c.ws.Close()
}

func (c *Conn) writeFrame(ctx context.Context, op uint16, body []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	return c.write(ctx, websocket.BinaryMessage, protocol.EncodeFrame(op, body))
}

// writeMessage 编码 Struct 消息体并发送
func (c *Conn) writeMessage(ctx context.Context, op uint16, v interface{}) error {
	body, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, op, body)
}

func (c *Conn) write(ctx context.Context, mt int, data []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(mt, data); err != nil {
		return err
	}
	c.Stats.MessagesSent.Add(1)
	c.Stats.BytesSent.Add(uint64(len(data)))
	return nil
}

func (c *Conn) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Session 连接当前绑定的会话ID
func (c *Conn) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Gone 读循环退出时关闭
func (c *Conn) Gone() <-chan struct{} { return c.gone }

// Closed 本端关闭时关闭
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func toMessage(f protocol.Frame) (broker.Message, bool) {
	var t broker.MessageType
	switch f.Opcode {
	case protocol.OpShellCommand:
		t = broker.MsgShellCommand
	case protocol.OpShellOutput:
		t = broker.MsgShellOutput
	case protocol.OpScreenFrame:
		t = broker.MsgScreenFrame
	case protocol.OpControl:
		t = broker.MsgControl
	default:
		return broker.Message{}, false
	}
	return broker.Message{Type: t, Data: f.Body}, true
}

func opcodeFor(t broker.MessageType) (uint16, bool) {
	switch t {
	case broker.MsgShellCommand:
		return protocol.OpShellCommand, true
	case broker.MsgShellOutput:
		return protocol.OpShellOutput, true
	case broker.MsgScreenFrame:
		return protocol.OpScreenFrame, true
	case broker.MsgControl:
		return protocol.OpControl, true
	}
	return 0, false
}
