package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Registry 单一会话类型的会话注册表
//
// entries 与 byNode 只在 mu 内修改；网络 I/O（关闭通知）一律在锁外进行。
type Registry struct {
	policy        Policy
	now           func() time.Time
	newID         func() string
	notifyTimeout time.Duration
	observer      Observer
	log           *logrus.Entry

	mu      sync.Mutex
	entries map[string]*entry
	byNode  map[string]string // nodeID -> 未结束会话ID
	seq     uint64

	notifyWg sync.WaitGroup
}

// RegistryOption 注册表选项
type RegistryOption func(*Registry)

// WithClock 注入时钟，测试中用于模拟时间流逝
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator 注入会话ID生成器
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithNotifyTimeout 设置关闭通知的超时
func WithNotifyTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.notifyTimeout = d
		}
	}
}

// WithObserver 设置生命周期事件观察者
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		r.observer = o
	}
}

// WithLogger 设置日志
func WithLogger(l *logrus.Entry) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRegistry 创建注册表
func NewRegistry(policy Policy, opts ...RegistryOption) *Registry {
	r := &Registry{
		policy:        policy,
		now:           time.Now,
		newID:         uuid.NewString,
		notifyTimeout: 2 * time.Second,
		log:           logrus.NewEntry(logrus.StandardLogger()),
		entries:       make(map[string]*entry),
		byNode:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("kind", policy.Kind.String())
	return r
}

// Kind 注册表对应的会话类型
func (r *Registry) Kind() Kind {
	return r.policy.Kind
}

// Policy 注册表策略
func (r *Registry) Policy() Policy {
	return r.policy
}

// Create 为节点创建 PENDING 会话，节点已有未结束会话时返回 ErrAlreadyActive
func (r *Registry) Create(nodeID, userID string, settings Settings) (Snapshot, error) {
	if nodeID == "" {
		return Snapshot{}, fmt.Errorf("%w: empty node id", ErrInvalidSettings)
	}
	normalized, err := normalizeSettings(r.policy.Kind, settings)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	if existing, ok := r.byNode[nodeID]; ok {
		r.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: node %s has session %s", ErrAlreadyActive, nodeID, existing)
	}

	id := r.newID()
	for r.entries[id] != nil {
		id = r.newID()
	}

	now := r.now()
	r.seq++
	e := &entry{
		id:             id,
		seq:            r.seq,
		nodeID:         nodeID,
		requestedBy:    userID,
		kind:           r.policy.Kind,
		state:          StatePending,
		createdAt:      now,
		lastActivityAt: now,
		settings:       normalized,
		done:           make(chan struct{}),
	}
	r.entries[id] = e
	r.byNode[nodeID] = id
	snap := e.snapshot()
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"session_id": id, "node_id": nodeID, "user_id": userID}).Info("session created")
	r.emit(EventCreated, snap, now)
	return snap, nil
}

// Get 按ID查询会话
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// PendingForNode 返回节点上等待 agent 接入的会话，只返回 PENDING 状态
func (r *Registry) PendingForNode(nodeID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byNode[nodeID]
	if !ok {
		return Snapshot{}, false
	}
	e := r.entries[id]
	if e == nil || e.state != StatePending {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Activate PENDING -> ACTIVE；会话不存在或不是 PENDING 时返回 false 且不做修改
func (r *Registry) Activate(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.state != StatePending {
		r.mu.Unlock()
		return false
	}
	now := r.now()
	if err := e.transition(StateActive, now); err != nil {
		r.mu.Unlock()
		return false
	}
	snap := e.snapshot()
	r.mu.Unlock()

	r.log.WithField("session_id", id).Info("session activated")
	r.emit(EventActivated, snap, now)
	return true
}

// AttachAgent 绑定 agent 连接并激活会话
func (r *Registry) AttachAgent(id string, t Transport) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.state == StateClosed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.state != StatePending || e.agent != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: session %s is %s", ErrAlreadyActive, id, e.state)
	}
	now := r.now()
	if err := e.transition(StateActive, now); err != nil {
		r.mu.Unlock()
		return err
	}
	e.agent = t
	snap := e.snapshot()
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"session_id": id, "node_id": snap.NodeID}).Info("agent attached")
	r.emit(EventActivated, snap, now)
	return nil
}

// AttachViewer 绑定 viewer 连接
func (r *Registry) AttachViewer(id string, t Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.state == StateClosed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.viewer != nil {
		return fmt.Errorf("%w: session %s already has a viewer", ErrAlreadyActive, id)
	}
	e.viewer = t
	r.log.WithFields(logrus.Fields{"session_id": id, "node_id": e.nodeID}).Info("viewer attached")
	return nil
}

// relayBinding 启动转发所需的会话信息
type relayBinding struct {
	id     string
	kind   Kind
	agent  Transport
	viewer Transport
	done   <-chan struct{}
}

// claimRelay 双端都已接入且会话处于 ACTIVE 时认领转发权，每个会话只会成功一次
func (r *Registry) claimRelay(id string) (relayBinding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.relaying || e.agent == nil || e.viewer == nil {
		return relayBinding{}, false
	}
	if e.state != StateActive && e.state != StatePaused {
		return relayBinding{}, false
	}
	e.relaying = true
	return relayBinding{id: e.id, kind: e.kind, agent: e.agent, viewer: e.viewer, done: e.done}, true
}

// Pause ACTIVE -> PAUSED，仅 SCREEN
func (r *Registry) Pause(id string) error {
	return r.setPaused(id, true)
}

// Resume PAUSED -> ACTIVE，仅 SCREEN
func (r *Registry) Resume(id string) error {
	return r.setPaused(id, false)
}

func (r *Registry) setPaused(id string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !r.policy.Pausable() {
		return fmt.Errorf("%w: %s sessions cannot be paused", ErrInvalidTransition, e.kind)
	}
	from, to := StateActive, StatePaused
	if !paused {
		from, to = StatePaused, StateActive
	}
	if e.state != from {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, e.state)
	}
	return e.transition(to, r.now())
}

// Close 将任意未结束会话置为 CLOSED 并立即释放节点槽位
//
// 关闭通知在锁外异步发出，通知失败只记录日志，不影响状态转换。
// 会话不存在或已关闭时返回 false。
func (r *Registry) Close(id, reason string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.state == StateClosed {
		r.mu.Unlock()
		return false
	}
	now := r.now()
	endpoints := r.closeLocked(e, reason, now)
	snap := e.snapshot()
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"session_id": id, "node_id": snap.NodeID, "reason": reason}).Info("session closed")
	r.notify(id, reason, endpoints)
	r.emit(EventClosed, snap, now)
	return true
}

// CloseAll 关闭全部未结束会话，返回关闭数量
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byNode))
	for _, id := range r.byNode {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.Close(id, reason) {
			n++
		}
	}
	return n
}

// closeLocked 调用方必须持有 mu，返回需要通知的连接
func (r *Registry) closeLocked(e *entry, reason string, now time.Time) []Transport {
	if err := e.transition(StateClosed, now); err != nil {
		return nil
	}
	e.closeReason = reason
	if r.byNode[e.nodeID] == e.id {
		delete(r.byNode, e.nodeID)
	}

	var endpoints []Transport
	if e.agent != nil {
		endpoints = append(endpoints, e.agent)
	}
	if e.viewer != nil {
		endpoints = append(endpoints, e.viewer)
	}
	e.agent, e.viewer = nil, nil

	if !r.policy.RetainClosed {
		delete(r.entries, e.id)
	}
	return endpoints
}

// notify 尽力通知两端会话已关闭，失败被有意忽略
func (r *Registry) notify(id, reason string, endpoints []Transport) {
	for _, t := range endpoints {
		r.notifyWg.Add(1)
		go func(t Transport) {
			defer r.notifyWg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.notifyTimeout)
			defer cancel()
			if err := t.Close(ctx, reason); err != nil {
				r.log.WithFields(logrus.Fields{"session_id": id, "reason": reason}).
					WithError(err).Warn("close notification failed")
			}
		}(t)
	}
}

// WaitNotifications 等待已发出的关闭通知全部结束
func (r *Registry) WaitNotifications() {
	r.notifyWg.Wait()
}

// RecordActivity 累加计数并刷新最后活跃时间；会话不是 ACTIVE/PAUSED 时返回 false
func (r *Registry) RecordActivity(id string, d Delta) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || (e.state != StateActive && e.state != StatePaused) {
		return false
	}
	e.metrics.apply(d)
	e.lastActivityAt = r.now()
	return true
}

// List 返回会话快照，按创建顺序排列
func (r *Registry) List(includeClosed bool) []Snapshot {
	r.mu.Lock()
	list := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !includeClosed && e.state == StateClosed {
			continue
		}
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]Snapshot, 0, len(list))
	for _, e := range list {
		out = append(out, e.snapshot())
	}
	r.mu.Unlock()
	return out
}

// Len 返回 (未结束, 已关闭) 会话数量
func (r *Registry) Len() (open, closed int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.state == StateClosed {
			closed++
		} else {
			open++
		}
	}
	return open, closed
}

// SweepResult 一次清理的结果
type SweepResult struct {
	TimedOut int
	Idle     int
	Purged   int
}

// sweep 按策略关闭超时会话并清理过期的已关闭会话
func (r *Registry) sweep(now time.Time) SweepResult {
	type closing struct {
		id, reason string
		endpoints  []Transport
		snap       Snapshot
	}
	var (
		res     SweepResult
		closed  []closing
		purged  []Snapshot
		pending = r.policy.PendingTimeout
		idle    = r.policy.IdleTimeout
	)

	func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		for id, e := range r.entries {
			switch {
			case e.state == StatePending && pending > 0 && now.Sub(e.createdAt) > pending:
				eps := r.closeLocked(e, ReasonTimeout, now)
				closed = append(closed, closing{id: id, reason: ReasonTimeout, endpoints: eps, snap: e.snapshot()})
				res.TimedOut++

			case e.state == StateActive && idle > 0 && now.Sub(e.lastActivityAt) > idle:
				eps := r.closeLocked(e, ReasonInactivity, now)
				closed = append(closed, closing{id: id, reason: ReasonInactivity, endpoints: eps, snap: e.snapshot()})
				res.Idle++

			case e.state == StateClosed && now.Sub(e.endedAt) > r.policy.Retention:
				delete(r.entries, id)
				purged = append(purged, e.snapshot())
				res.Purged++
			}
		}
	}()

	for _, c := range closed {
		r.log.WithFields(logrus.Fields{"session_id": c.id, "node_id": c.snap.NodeID, "reason": c.reason}).Info("session reaped")
		r.notify(c.id, c.reason, c.endpoints)
		r.emit(EventClosed, c.snap, now)
	}
	for _, s := range purged {
		r.emit(EventPurged, s, now)
	}
	return res
}

func (r *Registry) emit(t EventType, snap Snapshot, at time.Time) {
	if r.observer == nil {
		return
	}
	r.observer.OnSessionEvent(Event{Type: t, Session: snap, At: at})
}
