package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Options broker 配置
type Options struct {
	Policies        map[Kind]Policy
	NotifyTimeout   time.Duration
	RelayBufferSize int
	Clock           func() time.Time
	Observer        Observer
	Logger          *logrus.Entry
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		Policies: map[Kind]Policy{
			KindShell:  DefaultPolicy(KindShell),
			KindScreen: DefaultPolicy(KindScreen),
		},
		NotifyTimeout:   2 * time.Second,
		RelayBufferSize: 64,
	}
}

// Broker 把 SHELL 与 SCREEN 两个注册表组合成一个服务
type Broker struct {
	registries map[Kind]*Registry
	reapers    map[Kind]*Reaper
	bufferSize int
	log        *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	relayMu      sync.Mutex // 保护 closed 检查与 relayWg.Add 的顺序
	relayWg      sync.WaitGroup
	activeRelays atomic.Int32
	totalCreated atomic.Uint64
	started      atomic.Bool
	closed       atomic.Bool
}

// New 创建 broker，每种类型恰好一个注册表
func New(opts Options) *Broker {
	defaults := DefaultOptions()
	if opts.RelayBufferSize <= 0 {
		opts.RelayBufferSize = defaults.RelayBufferSize
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaults.NotifyTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		registries: make(map[Kind]*Registry),
		reapers:    make(map[Kind]*Reaper),
		bufferSize: opts.RelayBufferSize,
		log:        log.WithField("component", "broker"),
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, kind := range Kinds() {
		policy, ok := opts.Policies[kind]
		if !ok {
			policy = DefaultPolicy(kind)
		}
		policy.Kind = kind
		reg := NewRegistry(policy,
			WithClock(opts.Clock),
			WithNotifyTimeout(opts.NotifyTimeout),
			WithObserver(opts.Observer),
			WithLogger(log),
		)
		b.registries[kind] = reg
		b.reapers[kind] = NewReaper(reg, policy.SweepInterval)
	}
	return b
}

// Start 启动各注册表的清理任务
func (b *Broker) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	for _, kind := range Kinds() {
		b.reapers[kind].Start(ctx)
	}
	b.log.Info("broker started")
}

// Shutdown 停止清理任务并等待退出，然后以 shutdown 原因关闭所有会话
func (b *Broker) Shutdown(ctx context.Context) error {
	b.relayMu.Lock()
	first := b.closed.CompareAndSwap(false, true)
	b.relayMu.Unlock()
	if !first {
		return nil
	}
	b.log.Info("broker shutting down")

	for _, kind := range Kinds() {
		b.reapers[kind].Stop()
	}

	closed := 0
	for _, kind := range Kinds() {
		closed += b.registries[kind].CloseAll(ReasonShutdown)
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.relayWg.Wait()
		for _, kind := range Kinds() {
			b.registries[kind].WaitNotifications()
		}
		close(done)
	}()

	select {
	case <-done:
		b.log.WithField("closed_sessions", closed).Info("broker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broker shutdown: %w", ctx.Err())
	}
}

// Registry 返回指定类型的注册表
func (b *Broker) Registry(kind Kind) (*Registry, error) {
	reg, ok := b.registries[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
	return reg, nil
}

// Reaper 返回指定类型的清理任务
func (b *Broker) Reaper(kind Kind) (*Reaper, error) {
	rp, ok := b.reapers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
	return rp, nil
}

// Create 为节点创建会话，返回会话ID
func (b *Broker) Create(nodeID, userID string, kind Kind, settings Settings) (string, error) {
	if b.closed.Load() {
		return "", ErrBrokerClosed
	}
	reg, err := b.Registry(kind)
	if err != nil {
		return "", err
	}
	snap, err := reg.Create(nodeID, userID, settings)
	if err != nil {
		return "", err
	}
	b.totalCreated.Add(1)
	return snap.ID, nil
}

// lookup 会话ID全局唯一，依次在各注册表中查找
func (b *Broker) lookup(id string) (*Registry, Snapshot, bool) {
	for _, kind := range Kinds() {
		reg := b.registries[kind]
		if snap, ok := reg.Get(id); ok {
			return reg, snap, true
		}
	}
	return nil, Snapshot{}, false
}

// Get 查询会话
func (b *Broker) Get(id string) (Snapshot, bool) {
	_, snap, ok := b.lookup(id)
	return snap, ok
}

// List 列出所有类型的会话
func (b *Broker) List(includeClosed bool) []Snapshot {
	var out []Snapshot
	for _, kind := range Kinds() {
		out = append(out, b.registries[kind].List(includeClosed)...)
	}
	return out
}

// Close 关闭会话；未知ID返回 ErrNotFound，已关闭的会话视为成功
func (b *Broker) Close(id, reason string) error {
	reg, snap, ok := b.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if reason == "" {
		reason = ReasonRequested
	}
	if !reg.Close(id, reason) {
		b.log.WithFields(logrus.Fields{"session_id": id, "state": snap.StateName}).Debug("session already closed")
	}
	return nil
}

// Pause 暂停 SCREEN 会话
func (b *Broker) Pause(id string) error {
	reg, _, ok := b.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return reg.Pause(id)
}

// Resume 恢复 SCREEN 会话
func (b *Broker) Resume(id string) error {
	reg, _, ok := b.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return reg.Resume(id)
}

// PollPending agent 侧轮询节点上等待接入的会话
func (b *Broker) PollPending(nodeID string, kind Kind) (Snapshot, bool) {
	reg, err := b.Registry(kind)
	if err != nil {
		return Snapshot{}, false
	}
	return reg.PendingForNode(nodeID)
}

// AttachAgent 绑定 agent 连接并激活会话
func (b *Broker) AttachAgent(id string, t Transport) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	reg, _, ok := b.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := reg.AttachAgent(id, t); err != nil {
		return err
	}
	b.maybeRelay(reg, id)
	return nil
}

// AttachViewer 绑定 viewer 连接，双端就绪后启动转发
func (b *Broker) AttachViewer(id string, t Transport) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	reg, _, ok := b.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := reg.AttachViewer(id, t); err != nil {
		return err
	}
	b.maybeRelay(reg, id)
	return nil
}

func (b *Broker) maybeRelay(reg *Registry, id string) {
	binding, ok := reg.claimRelay(id)
	if !ok {
		return
	}
	relay := newRelay(reg, binding, b.bufferSize)

	b.relayMu.Lock()
	defer b.relayMu.Unlock()
	if b.closed.Load() {
		reg.Close(id, ReasonShutdown)
		return
	}
	b.relayWg.Add(1)
	b.activeRelays.Add(1)
	go func() {
		defer func() {
			b.activeRelays.Add(-1)
			b.relayWg.Done()
		}()
		relay.Run(b.ctx)
	}()
}

// Stats 统计信息
func (b *Broker) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"total_created": b.totalCreated.Load(),
		"active_relays": b.activeRelays.Load(),
		"shutting_down": b.closed.Load(),
	}
	for _, kind := range Kinds() {
		open, closed := b.registries[kind].Len()
		name := strings.ToLower(kind.String())
		stats[name+"_open"] = open
		stats[name+"_closed"] = closed
		stats[name+"_sweeps"] = b.reapers[kind].Sweeps()
	}
	return stats
}
