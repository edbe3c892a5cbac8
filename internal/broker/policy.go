package broker

import "time"

// Policy 单一会话类型的超时与保留策略
type Policy struct {
	Kind Kind

	SweepInterval  time.Duration // 清理周期
	PendingTimeout time.Duration // PENDING 最长等待 agent 接入时间
	IdleTimeout    time.Duration // ACTIVE 空闲超时，0 表示不检查
	Retention      time.Duration // CLOSED 会话保留时长
	RetainClosed   bool          // false 时关闭即移除
}

// DefaultPolicy 返回各类型的默认策略
//
// SHELL 会话关闭后立即移除，SCREEN 会话保留 5 分钟供列表查看。
func DefaultPolicy(kind Kind) Policy {
	switch kind {
	case KindShell:
		return Policy{
			Kind:           KindShell,
			SweepInterval:  30 * time.Second,
			PendingTimeout: 60 * time.Second,
			IdleTimeout:    30 * time.Minute,
		}
	case KindScreen:
		return Policy{
			Kind:           KindScreen,
			SweepInterval:  60 * time.Second,
			PendingTimeout: 60 * time.Second,
			Retention:      5 * time.Minute,
			RetainClosed:   true,
		}
	}
	return Policy{Kind: kind, SweepInterval: time.Minute, PendingTimeout: time.Minute}
}

// Pausable 是否支持暂停
func (p Policy) Pausable() bool {
	return p.Kind == KindScreen
}
