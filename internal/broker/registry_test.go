package broker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCreateEnforcesExclusivity 同节点同类型只能有一个未结束会话
func TestCreateEnforcesExclusivity(t *testing.T) {
	reg := newTestRegistry(KindShell, nil)

	s1, err := reg.Create("nodeA", "user1", Settings{})
	require.NoError(t, err)
	assert.Equal(t, StatePending, s1.State)
	assert.Equal(t, "cmd", s1.Settings.Shell.Flavor)

	_, err = reg.Create("nodeA", "user2", Settings{})
	require.ErrorIs(t, err, ErrAlreadyActive)

	assert.True(t, reg.Close(s1.ID, "done"))

	s2, err := reg.Create("nodeA", "user2", Settings{})
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, "user2", s2.RequestedBy)
}

func TestCrossKindSessionsAllowed(t *testing.T) {
	b := New(Options{Logger: quietLogger()})

	shellID, err := b.Create("nodeA", "u1", KindShell, Settings{})
	require.NoError(t, err)
	screenID, err := b.Create("nodeA", "u1", KindScreen, Settings{})
	require.NoError(t, err)
	assert.NotEqual(t, shellID, screenID)
	assert.Len(t, b.List(false), 2)
}

func TestCloseIsIdempotent(t *testing.T) {
	reg := newTestRegistry(KindScreen, nil)
	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)

	assert.True(t, reg.Close(s.ID, "done"))
	assert.False(t, reg.Close(s.ID, "done"))
	assert.False(t, reg.Close("missing", "done"))

	snap, ok := reg.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, "done", snap.CloseReason)
	require.NotNil(t, snap.EndedAt)
}

func TestActivateOnlyFromPending(t *testing.T) {
	reg := newTestRegistry(KindShell, nil)

	assert.False(t, reg.Activate("unknown"))

	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)
	require.True(t, reg.Activate(s.ID))

	before, _ := reg.Get(s.ID)
	assert.False(t, reg.Activate(s.ID), "duplicate activation is a no-op")
	after, _ := reg.Get(s.ID)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.StartedAt, after.StartedAt)

	err = reg.AttachAgent(s.ID, newPipe())
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestPendingForNodeSkipsActive(t *testing.T) {
	reg := newTestRegistry(KindScreen, nil)
	_, ok := reg.PendingForNode("n1")
	assert.False(t, ok)

	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)

	pending, ok := reg.PendingForNode("n1")
	require.True(t, ok)
	assert.Equal(t, s.ID, pending.ID)

	require.NoError(t, reg.AttachAgent(s.ID, newPipe()))
	_, ok = reg.PendingForNode("n1")
	assert.False(t, ok)
}

func TestAttachErrors(t *testing.T) {
	reg := newTestRegistry(KindShell, nil)

	assert.ErrorIs(t, reg.AttachAgent("missing", newPipe()), ErrNotFound)
	assert.ErrorIs(t, reg.AttachViewer("missing", newPipe()), ErrNotFound)

	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)
	require.NoError(t, reg.AttachViewer(s.ID, newPipe()))
	assert.ErrorIs(t, reg.AttachViewer(s.ID, newPipe()), ErrAlreadyActive)

	require.NoError(t, reg.AttachAgent(s.ID, newPipe()))
	assert.ErrorIs(t, reg.AttachAgent(s.ID, newPipe()), ErrAlreadyActive)

	reg.Close(s.ID, "done")
	assert.ErrorIs(t, reg.AttachAgent(s.ID, newPipe()), ErrNotFound)
}

func TestPauseResume(t *testing.T) {
	screen := newTestRegistry(KindScreen, nil)
	s, err := screen.Create("n1", "u1", Settings{})
	require.NoError(t, err)

	assert.ErrorIs(t, screen.Pause(s.ID), ErrInvalidTransition, "pending cannot pause")
	require.True(t, screen.Activate(s.ID))
	require.NoError(t, screen.Pause(s.ID))
	assert.ErrorIs(t, screen.Pause(s.ID), ErrInvalidTransition)

	snap, _ := screen.Get(s.ID)
	assert.Equal(t, StatePaused, snap.State)

	require.NoError(t, screen.Resume(s.ID))
	snap, _ = screen.Get(s.ID)
	assert.Equal(t, StateActive, snap.State)

	screen.Close(s.ID, "done")
	assert.ErrorIs(t, screen.Resume(s.ID), ErrInvalidTransition)
	assert.ErrorIs(t, screen.Pause("missing"), ErrNotFound)

	shell := newTestRegistry(KindShell, nil)
	sh, err := shell.Create("n1", "u1", Settings{})
	require.NoError(t, err)
	require.True(t, shell.Activate(sh.ID))
	assert.ErrorIs(t, shell.Pause(sh.ID), ErrInvalidTransition)
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		kind     Kind
		from, to State
		ok       bool
	}{
		{KindShell, StatePending, StateActive, true},
		{KindShell, StatePending, StateClosed, true},
		{KindShell, StatePending, StatePaused, false},
		{KindShell, StateActive, StatePaused, false},
		{KindShell, StateActive, StateClosed, true},
		{KindScreen, StateActive, StatePaused, true},
		{KindScreen, StatePaused, StateActive, true},
		{KindScreen, StatePaused, StateClosed, true},
		{KindScreen, StateActive, StatePending, false},
		{KindScreen, StateClosed, StateActive, false},
		{KindScreen, StateClosed, StatePending, false},
		{KindShell, StateClosed, StateClosed, false},
	}
	for _, tt := range tests {
		name := fmt.Sprintf("%s/%s->%s", tt.kind, tt.from, tt.to)
		assert.Equal(t, tt.ok, canTransition(tt.kind, tt.from, tt.to), name)
	}
}

func TestRecordActivity(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(KindScreen, clock)
	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)

	assert.False(t, reg.RecordActivity(s.ID, Delta{Frames: 1}), "pending session does not relay")
	require.True(t, reg.Activate(s.ID))

	clock.Advance(5 * time.Second)
	require.True(t, reg.RecordActivity(s.ID, Delta{Frames: 1, Bytes: 100}))
	require.True(t, reg.RecordActivity(s.ID, Delta{Frames: 2, Bytes: 50}))

	snap, _ := reg.Get(s.ID)
	assert.Equal(t, uint64(3), snap.Metrics.FramesRelayed)
	assert.Equal(t, uint64(150), snap.Metrics.BytesRelayed)
	assert.Equal(t, clock.Now(), snap.LastActivityAt)

	require.True(t, reg.Close(s.ID, "done"))
	assert.False(t, reg.RecordActivity(s.ID, Delta{Frames: 1}))

	snap, _ = reg.Get(s.ID)
	assert.Equal(t, uint64(3), snap.Metrics.FramesRelayed)
}

func TestCloseNotifiesBothEndpoints(t *testing.T) {
	reg := newTestRegistry(KindShell, nil)
	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)

	agent, viewer := newPipe(), newPipe()
	agent.closeErr = errBoom // 通知失败不影响关闭
	require.NoError(t, reg.AttachAgent(s.ID, agent))
	require.NoError(t, reg.AttachViewer(s.ID, viewer))

	assert.True(t, reg.Close(s.ID, "operator"))
	reg.WaitNotifications()

	assert.True(t, agent.isClosed())
	assert.True(t, viewer.isClosed())
	assert.Equal(t, "operator", agent.closeReason())
	assert.Equal(t, "operator", viewer.closeReason())
}

func TestClosedRetention(t *testing.T) {
	shell := newTestRegistry(KindShell, nil)
	sh, err := shell.Create("n1", "u1", Settings{})
	require.NoError(t, err)
	shell.Close(sh.ID, "done")
	_, ok := shell.Get(sh.ID)
	assert.False(t, ok, "shell sessions are removed on close")
	assert.Empty(t, shell.List(true))

	screen := newTestRegistry(KindScreen, nil)
	sc, err := screen.Create("n1", "u1", Settings{})
	require.NoError(t, err)
	screen.Close(sc.ID, "done")
	_, ok = screen.Get(sc.ID)
	assert.True(t, ok, "screen sessions are retained until purged")
	assert.Len(t, screen.List(true), 1)
	assert.Empty(t, screen.List(false))
}

func TestListInsertionOrder(t *testing.T) {
	reg := newTestRegistry(KindScreen, newFakeClock())
	var ids []string
	for i := 0; i < 5; i++ {
		s, err := reg.Create(fmt.Sprintf("node-%d", i), "u1", Settings{})
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	list := reg.List(false)
	require.Len(t, list, 5)
	for i, s := range list {
		assert.Equal(t, ids[i], s.ID)
	}
}

func TestSettingsValidation(t *testing.T) {
	screen := newTestRegistry(KindScreen, nil)

	s, err := screen.Create("n1", "u1", Settings{Screen: &ScreenSettings{Quality: "HIGH", FPS: 30, Monitor: 1}})
	require.NoError(t, err)
	assert.Equal(t, "high", s.Settings.Screen.Quality)
	assert.Equal(t, 30, s.Settings.Screen.FPS)
	assert.Equal(t, "scaled", s.Settings.Screen.Resolution)
	assert.Nil(t, s.Settings.Shell)

	_, err = screen.Create("n2", "u1", Settings{Screen: &ScreenSettings{FPS: 120}})
	assert.ErrorIs(t, err, ErrInvalidSettings)
	_, err = screen.Create("n2", "u1", Settings{Screen: &ScreenSettings{Quality: "ultra"}})
	assert.ErrorIs(t, err, ErrInvalidSettings)
	_, err = screen.Create("", "u1", Settings{})
	assert.ErrorIs(t, err, ErrInvalidSettings)

	shell := newTestRegistry(KindShell, nil)
	_, err = shell.Create("n1", "u1", Settings{Shell: &ShellSettings{Flavor: "fish"}})
	assert.ErrorIs(t, err, ErrInvalidSettings)
	sh, err := shell.Create("n1", "u1", Settings{Shell: &ShellSettings{Flavor: "PowerShell"}})
	require.NoError(t, err)
	assert.Equal(t, "powershell", sh.Settings.Shell.Flavor)
}

func TestSnapshotSettingsAreCopies(t *testing.T) {
	reg := newTestRegistry(KindScreen, nil)
	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)

	s.Settings.Screen.FPS = 99
	again, _ := reg.Get(s.ID)
	assert.Equal(t, 10, again.Settings.Screen.FPS)
}

// TestConcurrentCreateSingleWinner 并发创建同一节点只有一个成功
func TestConcurrentCreateSingleWinner(t *testing.T) {
	reg := newTestRegistry(KindScreen, nil)

	const workers = 64
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		refused atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := reg.Create("nodeC", fmt.Sprintf("u%d", i), Settings{})
			switch {
			case err == nil:
				success.Add(1)
			case assert.ErrorIs(t, err, ErrAlreadyActive):
				refused.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
	assert.Equal(t, int32(workers-1), refused.Load())
	assert.Len(t, reg.List(true), 1)
}

func TestConcurrentCloseSingleWinner(t *testing.T) {
	reg := newTestRegistry(KindShell, nil)
	s, err := reg.Create("n1", "u1", Settings{})
	require.NoError(t, err)
	require.True(t, reg.Activate(s.ID))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if reg.Close(s.ID, "race") {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			reg.RecordActivity(s.ID, Delta{Commands: 1})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.False(t, reg.RecordActivity(s.ID, Delta{Commands: 1}))
	_, ok := reg.PendingForNode("n1")
	assert.False(t, ok)
}

// TestExclusivityUnderChurn 随机并发创建/关闭时不变量始终成立
func TestExclusivityUnderChurn(t *testing.T) {
	reg := newTestRegistry(KindScreen, nil)
	nodes := []string{"n1", "n2", "n3"}

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				node := nodes[(w+i)%len(nodes)]
				s, err := reg.Create(node, "u", Settings{})
				if err == nil && i%2 == 0 {
					reg.Activate(s.ID)
				}
				if err == nil && i%3 == 0 {
					reg.Close(s.ID, "churn")
				}
				if p, ok := reg.PendingForNode(node); ok && i%5 == 0 {
					reg.Close(p.ID, "churn")
				}
			}
		}(w)
	}
	wg.Wait()

	open := map[string]int{}
	for _, s := range reg.List(false) {
		open[s.NodeID]++
	}
	for node, n := range open {
		assert.LessOrEqual(t, n, 1, "node %s", node)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("screen")
	require.NoError(t, err)
	assert.Equal(t, KindScreen, k)

	k, err = ParseKind(" SHELL ")
	require.NoError(t, err)
	assert.Equal(t, KindShell, k)

	_, err = ParseKind("desktop")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
