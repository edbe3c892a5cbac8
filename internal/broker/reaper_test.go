package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReaperPendingTimeout PENDING 超过 60 秒被关闭，SCREEN 会话保留以供查询
func TestReaperPendingTimeout(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(KindScreen, clock)
	rp := NewReaper(reg, 0)

	s, err := reg.Create("nodeB", "u1", Settings{})
	require.NoError(t, err)

	res, err := rp.SweepAt(clock.Now().Add(59 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	clock.Advance(61 * time.Second)
	res, err = rp.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimedOut)

	snap, ok := reg.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, ReasonTimeout, snap.CloseReason)

	_, err = reg.Create("nodeB", "u2", Settings{})
	assert.NoError(t, err, "slot released after timeout")
	assert.Equal(t, uint64(2), rp.Sweeps())
}

// TestReaperInactivity ACTIVE 会话 30 分钟无活动被关闭，计数保留在关闭事件中
func TestReaperInactivity(t *testing.T) {
	clock := newFakeClock()
	events := &eventLog{}
	reg := newTestRegistry(KindShell, clock, WithObserver(events))
	rp := NewReaper(reg, 0)

	s, err := reg.Create("nodeC", "u1", Settings{})
	require.NoError(t, err)
	agent := newPipe()
	require.NoError(t, reg.AttachAgent(s.ID, agent))

	for i := 0; i < 10; i++ {
		require.True(t, reg.RecordActivity(s.ID, Delta{Commands: 1}))
	}

	clock.Advance(29 * time.Minute)
	res, err := rp.Sweep()
	require.NoError(t, err)
	assert.Zero(t, res.Idle)

	clock.Advance(2 * time.Minute)
	res, err = rp.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Idle)

	_, ok := reg.Get(s.ID)
	assert.False(t, ok, "shell sessions are not retained")

	closed := events.closed()
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonInactivity, closed[0].Session.CloseReason)
	assert.Equal(t, uint64(10), closed[0].Session.Metrics.CommandCount)

	reg.WaitNotifications()
	assert.True(t, agent.isClosed())
	assert.Equal(t, ReasonInactivity, agent.closeReason())
}

func TestReaperActivityDefersIdleClose(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(KindShell, clock)
	rp := NewReaper(reg, 0)

	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)
	require.True(t, reg.Activate(s.ID))

	clock.Advance(20 * time.Minute)
	require.True(t, reg.RecordActivity(s.ID, Delta{Commands: 1}))
	clock.Advance(20 * time.Minute)

	res, err := rp.Sweep()
	require.NoError(t, err)
	assert.Zero(t, res.Idle)
	snap, ok := reg.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StateActive, snap.State)
}

func TestReaperScreenNotIdleReaped(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(KindScreen, clock)
	rp := NewReaper(reg, 0)

	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)
	require.True(t, reg.Activate(s.ID))
	require.NoError(t, reg.Pause(s.ID))

	clock.Advance(3 * time.Hour)
	res, err := rp.Sweep()
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	snap, _ := reg.Get(s.ID)
	assert.Equal(t, StatePaused, snap.State)
}

func TestReaperPurgesClosedScreenSessions(t *testing.T) {
	clock := newFakeClock()
	events := &eventLog{}
	reg := newTestRegistry(KindScreen, clock, WithObserver(events))
	rp := NewReaper(reg, 0)

	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)
	require.True(t, reg.Close(s.ID, "done"))

	clock.Advance(4 * time.Minute)
	res, err := rp.Sweep()
	require.NoError(t, err)
	assert.Zero(t, res.Purged)
	_, ok := reg.Get(s.ID)
	assert.True(t, ok)

	clock.Advance(time.Minute + time.Second)
	res, err = rp.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
	_, ok = reg.Get(s.ID)
	assert.False(t, ok)

	events.mu.Lock()
	last := events.events[len(events.events)-1]
	events.mu.Unlock()
	assert.Equal(t, EventPurged, last.Type)
	assert.Equal(t, s.ID, last.Session.ID)
}

type panicObserver struct{}

func (panicObserver) OnSessionEvent(ev Event) {
	if ev.Type == EventClosed {
		panic("observer exploded")
	}
}

// TestReaperRecoversFromPanic 清理中的 panic 被转换为错误，注册表仍可用
func TestReaperRecoversFromPanic(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(KindShell, clock, WithObserver(panicObserver{}))
	rp := NewReaper(reg, 0)

	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = rp.Sweep()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "observer exploded")

	_, ok := reg.Get(s.ID)
	assert.False(t, ok)
	_, err = reg.Create("n1", "u1", Settings{})
	assert.NoError(t, err)
}

func TestReaperStartStop(t *testing.T) {
	policy := DefaultPolicy(KindShell)
	policy.PendingTimeout = 20 * time.Millisecond
	reg := NewRegistry(policy, WithLogger(quietLogger()))
	rp := NewReaper(reg, 5*time.Millisecond)

	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rp.Start(ctx)
	rp.Start(ctx)

	require.Eventually(t, func() bool {
		_, ok := reg.Get(s.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	rp.Stop()
	n := rp.Sweeps()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, rp.Sweeps(), "no sweeps after Stop returns")

	rp.Stop()
}
