package wsclient

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// EchoShell 回显命令的 Shell 处理器，用于联调与演示
type EchoShell struct {
	NodeID string
}

// OnCommand 返回带节点前缀的回显
func (h EchoShell) OnCommand(cmd []byte) []byte {
	line := strings.TrimRight(string(cmd), "\r\n")
	if line == "" {
		return nil
	}
	return []byte(fmt.Sprintf("%s$ %s\r\n", h.NodeID, line))
}

// NextFrame Shell 会话不产生屏幕帧
func (h EchoShell) NextFrame() ([]byte, error) { return nil, nil }

// TestPattern 生成合成画面的屏幕源
//
// 每帧以 8 字节序号开头，后跟 8 字节采集时间（unix nano），其余为按序号滚动的填充字节。
type TestPattern struct {
	Size int
	seq  atomic.Uint64
}

// OnCommand 屏幕会话不处理命令
func (p *TestPattern) OnCommand([]byte) []byte { return nil }

// NextFrame 生成下一帧
func (p *TestPattern) NextFrame() ([]byte, error) {
	size := p.Size
	if size < 16 {
		size = 16
	}
	seq := p.seq.Add(1)
	frame := make([]byte, size)
	binary.BigEndian.PutUint64(frame[0:8], seq)
	binary.BigEndian.PutUint64(frame[8:16], uint64(time.Now().UnixNano()))
	for i := 16; i < size; i++ {
		frame[i] = byte(uint64(i) + seq)
	}
	return frame, nil
}

// FrameSeq 解析 TestPattern 帧的序号
func FrameSeq(frame []byte) (uint64, bool) {
	if len(frame) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(frame[:8]), true
}
