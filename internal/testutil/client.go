package testutil

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"FleetBroker/internal/protocol"
)

// Viewer 测试用 viewer 连接
type Viewer struct {
	SessionID string
	ws        *websocket.Conn
	t         *testing.T
}

// DialViewer 接入会话并等待 Attached
func (ts *TestStack) DialViewer(t *testing.T, sessionID string) *Viewer {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(ts.WebSocketURL()+"/ws/viewer?session_id="+sessionID+"&user_id=tester", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	v := &Viewer{SessionID: sessionID, ws: ws, t: t}
	v.ReadUntil(protocol.OpAttached, 3*time.Second)
	return v
}

// Send 发送原始字节消息体
func (v *Viewer) Send(op uint16, body []byte) {
	v.t.Helper()
	require.NoError(v.t, v.ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(op, body)))
}

// SendCommand 发送 Shell 命令
func (v *Viewer) SendCommand(cmd string) {
	v.t.Helper()
	v.Send(protocol.OpShellCommand, []byte(cmd))
}

// SendControl 发送控制动作
func (v *Viewer) SendControl(action string) {
	v.t.Helper()
	v.Send(protocol.OpControl, []byte(action))
}

// ReadUntil 读取直到出现指定操作码的帧，超时则测试失败
func (v *Viewer) ReadUntil(op uint16, timeout time.Duration) protocol.Frame {
	v.t.Helper()
	return ReadUntil(v.t, v.ws, op, timeout)
}

// WaitForFrames 收集至少 n 个屏幕帧
func (v *Viewer) WaitForFrames(n int, timeout time.Duration) [][]byte {
	v.t.Helper()
	deadline := time.Now().Add(timeout)
	frames := make([][]byte, 0, n)
	for len(frames) < n {
		remaining := time.Until(deadline)
		require.Positive(v.t, remaining, "received %d of %d frames", len(frames), n)
		f := v.ReadUntil(protocol.OpScreenFrame, remaining)
		frames = append(frames, f.Body)
	}
	return frames
}

// Close 主动断开
func (v *Viewer) Close() {
	v.ws.Close()
}

// ReadUntil 从任意 WebSocket 连接读取直到出现指定操作码的帧
func ReadUntil(t *testing.T, ws *websocket.Conn, op uint16, timeout time.Duration) protocol.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", protocol.OpcodeToString(op))
		f, err := protocol.DecodeFrame(raw)
		require.NoError(t, err)
		if f.Opcode == op {
			return f
		}
	}
}
