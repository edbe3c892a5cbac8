package broker

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// pipeTransport 内存连接：测试通过 inbox 注入待接收的消息，从 sent 读取已发送的消息
type pipeTransport struct {
	inbox chan Message
	sent  chan Message

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	reason   string
	closeErr error
	sendErr  error
}

func newPipe() *pipeTransport {
	return &pipeTransport{
		inbox:  make(chan Message, 256),
		sent:   make(chan Message, 256),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) Send(ctx context.Context, msg Message) error {
	p.mu.Lock()
	err := p.sendErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	case p.sent <- msg:
		return nil
	}
}

func (p *pipeTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-p.closed:
		return Message{}, io.EOF
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg := <-p.inbox:
		return msg, nil
	}
}

func (p *pipeTransport) Close(ctx context.Context, reason string) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.reason = reason
		p.mu.Unlock()
		close(p.closed)
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// disconnect 模拟对端断开
func (p *pipeTransport) disconnect() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *pipeTransport) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *pipeTransport) closeReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

var errBoom = errors.New("boom")

// eventLog 记录生命周期事件
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnSessionEvent(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) closed() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == EventClosed {
			out = append(out, ev)
		}
	}
	return out
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestRegistry(kind Kind, clock *fakeClock, opts ...RegistryOption) *Registry {
	base := []RegistryOption{WithLogger(quietLogger()), WithNotifyTimeout(200 * time.Millisecond)}
	if clock != nil {
		base = append(base, WithClock(clock.Now))
	}
	return NewRegistry(DefaultPolicy(kind), append(base, opts...)...)
}
