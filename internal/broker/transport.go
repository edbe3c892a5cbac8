package broker

import (
	"context"
	"time"
)

// MessageType 转发单元类型
type MessageType int

const (
	MsgShellCommand MessageType = iota + 1 // viewer -> agent
	MsgShellOutput                         // agent -> viewer
	MsgScreenFrame                         // agent -> viewer
	MsgControl                             // 任意方向，Data 为动作名
)

func (t MessageType) String() string {
	switch t {
	case MsgShellCommand:
		return "SHELL_COMMAND"
	case MsgShellOutput:
		return "SHELL_OUTPUT"
	case MsgScreenFrame:
		return "SCREEN_FRAME"
	case MsgControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

// 控制消息动作
const (
	ControlPause  = "pause"
	ControlResume = "resume"
	ControlAck    = "ack"
)

// Message 在 agent 与 viewer 之间转发的一个单元
type Message struct {
	Type MessageType
	Data []byte
}

// Transport agent 或 viewer 一侧的长连接
//
// Receive 与 Send 可以被两个不同的 goroutine 同时调用；
// Close 之后阻塞中的 Receive 必须返回错误。
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context, reason string) error
}

// EventType 会话生命周期事件
type EventType int

const (
	EventCreated EventType = iota + 1
	EventActivated
	EventClosed
	EventPurged
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventActivated:
		return "activated"
	case EventClosed:
		return "closed"
	case EventPurged:
		return "purged"
	default:
		return "unknown"
	}
}

// Event 生命周期事件
type Event struct {
	Type    EventType
	Session Snapshot
	At      time.Time
}

// Observer 接收生命周期事件，在注册表锁外同步调用，实现方不应阻塞
type Observer interface {
	OnSessionEvent(ev Event)
}

// ObserverFunc 函数适配器
type ObserverFunc func(ev Event)

func (f ObserverFunc) OnSessionEvent(ev Event) { f(ev) }
