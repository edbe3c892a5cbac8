package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Reaper 周期性清理一个注册表
type Reaper struct {
	reg      *Registry
	interval time.Duration
	log      *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	sweeps uint64
}

// NewReaper 创建清理任务，interval<=0 时使用注册表策略中的周期
func NewReaper(reg *Registry, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = reg.policy.SweepInterval
	}
	return &Reaper{
		reg:      reg,
		interval: interval,
		log:      reg.log.WithField("component", "reaper"),
	}
}

// Start 启动后台清理，重复调用无效
func (rp *Reaper) Start(ctx context.Context) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	rp.cancel = cancel
	rp.done = make(chan struct{})
	go rp.loop(ctx, rp.done)

	rp.log.WithField("interval", rp.interval.String()).Info("reaper started")
}

// Stop 取消后台清理并等待其退出，返回后不会再有清理执行
func (rp *Reaper) Stop() {
	rp.mu.Lock()
	cancel, done := rp.cancel, rp.done
	rp.cancel, rp.done = nil, nil
	rp.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	rp.log.Info("reaper stopped")
}

func (rp *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rp.Sweep(); err != nil {
				rp.log.WithError(err).Error("sweep failed")
			}
		}
	}
}

// Sweep 立即执行一次清理；内部 panic 被转换为错误，不会终止清理循环
func (rp *Reaper) Sweep() (res SweepResult, err error) {
	return rp.SweepAt(rp.reg.now())
}

// SweepAt 以指定时间执行一次清理
func (rp *Reaper) SweepAt(now time.Time) (res SweepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sweep panic: %v", p)
		}
	}()

	res = rp.reg.sweep(now)

	rp.mu.Lock()
	rp.sweeps++
	rp.mu.Unlock()

	if res.TimedOut+res.Idle+res.Purged > 0 {
		rp.log.WithFields(logrus.Fields{
			"timed_out": res.TimedOut,
			"idle":      res.Idle,
			"purged":    res.Purged,
		}).Debug("sweep finished")
	}
	return res, nil
}

// Sweeps 已执行的清理次数
func (rp *Reaper) Sweeps() uint64 {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.sweeps
}
