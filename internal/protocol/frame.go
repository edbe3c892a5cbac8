package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// 帧头长度：操作码(2字节) + 数据长度(4字节)
	FrameHeaderSize = 6
	// 最大帧大小，屏幕帧需要比普通消息更大的上限
	MaxFrameSize = 4 * 1024 * 1024
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
)

// Frame 一个完整的协议帧
type Frame struct {
	Opcode uint16
	Body   []byte
}

// String 调试输出
func (f Frame) String() string {
	return fmt.Sprintf("%s(%d bytes)", OpcodeToString(f.Opcode), len(f.Body))
}

// EncodeFrame 帧格式: | opcode(2字节) | length(4字节) | body(变长) |
func EncodeFrame(opcode uint16, body []byte) []byte {
	buf := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], opcode)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	copy(buf[FrameHeaderSize:], body)
	return buf
}

// DecodeFrame 解码一个完整的 WebSocket 二进制消息
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < FrameHeaderSize {
		return Frame{}, ErrFrameTooSmall
	}
	if len(raw) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	op := binary.BigEndian.Uint16(raw[0:2])
	n := binary.BigEndian.Uint32(raw[2:6])
	if want := FrameHeaderSize + int(n); len(raw) != want {
		return Frame{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidFrame, want, len(raw))
	}

	f := Frame{Opcode: op}
	if n > 0 {
		f.Body = make([]byte, n)
		copy(f.Body, raw[FrameHeaderSize:])
	}
	return f, nil
}

// FrameDecoder 流式解码器，用于把任意切分的字节流还原为帧
type FrameDecoder struct {
	buffer []byte
}

// NewFrameDecoder 创建流式解码器
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{buffer: make([]byte, 0, 1024)}
}

// Feed 追加数据
func (fd *FrameDecoder) Feed(data []byte) {
	fd.buffer = append(fd.buffer, data...)
}

// Next 返回下一个完整的帧；数据不足时返回 (nil, nil)
func (fd *FrameDecoder) Next() (*Frame, error) {
	if len(fd.buffer) < FrameHeaderSize {
		return nil, nil
	}
	size := FrameHeaderSize + int(binary.BigEndian.Uint32(fd.buffer[2:6]))
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if len(fd.buffer) < size {
		return nil, nil
	}

	f, err := DecodeFrame(fd.buffer[:size])
	if err != nil {
		return nil, err
	}
	fd.buffer = fd.buffer[size:]
	return &f, nil
}

// Buffered 尚未解码的字节数
func (fd *FrameDecoder) Buffered() int {
	return len(fd.buffer)
}
