package broker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// dropQueue 有界队列，满时丢弃最旧的单元而不是阻塞生产者
type dropQueue struct {
	mu     sync.Mutex
	items  []Message
	limit  int
	signal chan struct{}
}

func newDropQueue(limit int) *dropQueue {
	if limit < 1 {
		limit = 1
	}
	return &dropQueue{
		items:  make([]Message, 0, limit),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// push 入队，返回是否丢弃了一个旧单元
func (q *dropQueue) push(msg Message) (dropped bool) {
	q.mu.Lock()
	if len(q.items) >= q.limit {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		dropped = true
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return dropped
}

// pop 阻塞直到有单元或 ctx 结束
func (q *dropQueue) pop(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = Message{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, false
		case <-q.signal:
		}
	}
}

func (q *dropQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Relay 在 agent 与 viewer 之间转发数据
type Relay struct {
	reg        *Registry
	binding    relayBinding
	bufferSize int
	log        *logrus.Entry
}

// newRelay 基于已认领的绑定创建转发器
func newRelay(reg *Registry, b relayBinding, bufferSize int) *Relay {
	return &Relay{
		reg:        reg,
		binding:    b,
		bufferSize: bufferSize,
		log:        reg.log.WithFields(logrus.Fields{"component": "relay", "session_id": b.id}),
	}
}

// direction 单向转发
type direction struct {
	name       string
	src, dst   Transport
	failReason string // 读取端出错时的关闭原因
	queue      *dropQueue
}

// Run 转发直到任意一端断开、会话被关闭或 ctx 结束
func (rl *Relay) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	up := &direction{
		name:       "viewer->agent",
		src:        rl.binding.viewer,
		dst:        rl.binding.agent,
		failReason: ReasonViewerDisconnected,
		queue:      newDropQueue(rl.bufferSize),
	}
	down := &direction{
		name:       "agent->viewer",
		src:        rl.binding.agent,
		dst:        rl.binding.viewer,
		failReason: ReasonAgentDisconnected,
		queue:      newDropQueue(rl.bufferSize),
	}

	var wg sync.WaitGroup
	for _, d := range []*direction{up, down} {
		wg.Add(2)
		go func(d *direction) {
			defer wg.Done()
			rl.readLoop(ctx, cancel, d)
		}(d)
		go func(d *direction) {
			defer wg.Done()
			rl.writeLoop(ctx, cancel, d)
		}(d)
	}

	rl.log.Debug("relay started")
	select {
	case <-ctx.Done():
	case <-rl.binding.done:
	}
	cancel()
	wg.Wait()
	rl.log.Debug("relay stopped")
}

func (rl *Relay) readLoop(ctx context.Context, cancel context.CancelFunc, d *direction) {
	for {
		msg, err := d.src.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				rl.fail(cancel, d.failReason, err)
			}
			return
		}
		if !rl.accept(d, msg) {
			continue
		}
		if d.queue.push(msg) {
			rl.reg.RecordActivity(rl.binding.id, Delta{Dropped: 1})
		}
	}
}

// accept 过滤不属于该方向的消息，并处理 viewer 发出的暂停/恢复
func (rl *Relay) accept(d *direction, msg Message) bool {
	fromViewer := d.src == rl.binding.viewer
	switch msg.Type {
	case MsgControl:
		if fromViewer && rl.binding.kind == KindScreen {
			var err error
			switch string(msg.Data) {
			case ControlPause:
				err = rl.reg.Pause(rl.binding.id)
			case ControlResume:
				err = rl.reg.Resume(rl.binding.id)
			}
			if err != nil {
				rl.log.WithError(err).Warn("control message rejected")
				return false
			}
		}
		return true
	case MsgShellCommand:
		return fromViewer && rl.binding.kind == KindShell
	case MsgShellOutput:
		return !fromViewer && rl.binding.kind == KindShell
	case MsgScreenFrame:
		return !fromViewer && rl.binding.kind == KindScreen
	}
	rl.log.WithField("type", msg.Type.String()).Debug("dropping unexpected message")
	return false
}

func (rl *Relay) writeLoop(ctx context.Context, cancel context.CancelFunc, d *direction) {
	for {
		msg, ok := d.queue.pop(ctx)
		if !ok {
			return
		}
		if err := d.dst.Send(ctx, msg); err != nil {
			if ctx.Err() == nil {
				rl.fail(cancel, ReasonTransportError, err)
			}
			return
		}
		if !rl.reg.RecordActivity(rl.binding.id, deltaFor(msg)) {
			cancel()
			return
		}
	}
}

func deltaFor(msg Message) Delta {
	switch msg.Type {
	case MsgShellCommand:
		return Delta{Commands: 1}
	case MsgScreenFrame:
		return Delta{Frames: 1, Bytes: uint64(len(msg.Data))}
	}
	return Delta{}
}

func (rl *Relay) fail(cancel context.CancelFunc, reason string, err error) {
	rl.log.WithError(err).WithField("reason", reason).Info("relay transport failed")
	rl.reg.Close(rl.binding.id, reason)
	cancel()
}
