package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.NotifyTimeout == 0 {
		opts.NotifyTimeout = 200 * time.Millisecond
	}
	b := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func TestBrokerLifecycle(t *testing.T) {
	b := newTestBroker(t, Options{})

	id, err := b.Create("node-1", "alice", KindScreen, Settings{Screen: &ScreenSettings{FPS: 5}})
	require.NoError(t, err)

	pending, ok := b.PollPending("node-1", KindScreen)
	require.True(t, ok)
	assert.Equal(t, id, pending.ID)
	_, ok = b.PollPending("node-1", KindShell)
	assert.False(t, ok)

	require.NoError(t, b.AttachAgent(id, newPipe()))
	snap, ok := b.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateActive, snap.State)
	assert.True(t, snap.AgentAttached)
	require.NotNil(t, snap.StartedAt)

	require.NoError(t, b.Pause(id))
	require.NoError(t, b.Resume(id))

	require.NoError(t, b.Close(id, ""))
	snap, _ = b.Get(id)
	assert.Equal(t, ReasonRequested, snap.CloseReason)
	assert.NoError(t, b.Close(id, "again"), "closing a closed session succeeds")
	snap, _ = b.Get(id)
	assert.Equal(t, ReasonRequested, snap.CloseReason)
}

func TestBrokerUnknownSession(t *testing.T) {
	b := newTestBroker(t, Options{})

	assert.ErrorIs(t, b.Close("nope", ""), ErrNotFound)
	assert.ErrorIs(t, b.Pause("nope"), ErrNotFound)
	assert.ErrorIs(t, b.Resume("nope"), ErrNotFound)
	assert.ErrorIs(t, b.AttachAgent("nope", newPipe()), ErrNotFound)
	assert.ErrorIs(t, b.AttachViewer("nope", newPipe()), ErrNotFound)

	_, err := b.Create("n", "u", Kind(99), Settings{})
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = b.Registry(Kind(0))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

// TestBrokerConcurrentCreate 并发创建同一节点同类型会话只有一个成功
func TestBrokerConcurrentCreate(t *testing.T) {
	b := newTestBroker(t, Options{})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ids  []string
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := b.Create("nodeD", "u", KindScreen, Settings{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids = append(ids, id)
		}()
	}
	wg.Wait()

	require.Len(t, ids, 1)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrAlreadyActive)
	assert.Len(t, b.List(false), 1)
	assert.Equal(t, uint64(1), b.Stats()["total_created"])
}

func TestBrokerShutdownClosesEverything(t *testing.T) {
	events := &eventLog{}
	b := New(Options{Logger: quietLogger(), Observer: events, NotifyTimeout: 200 * time.Millisecond})
	b.Start(context.Background())

	shellID, err := b.Create("n1", "u", KindShell, Settings{})
	require.NoError(t, err)
	screenID, err := b.Create("n1", "u", KindScreen, Settings{})
	require.NoError(t, err)
	_, err = b.Create("n2", "u", KindScreen, Settings{})
	require.NoError(t, err)

	agent, viewer := newPipe(), newPipe()
	require.NoError(t, b.AttachViewer(screenID, viewer))
	require.NoError(t, b.AttachAgent(screenID, agent))
	shellAgent := newPipe()
	require.NoError(t, b.AttachAgent(shellID, shellAgent))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	assert.Empty(t, b.List(false))
	for _, ev := range events.closed() {
		assert.Equal(t, ReasonShutdown, ev.Session.CloseReason)
	}
	assert.Len(t, events.closed(), 3)

	for _, p := range []*pipeTransport{agent, viewer, shellAgent} {
		assert.True(t, p.isClosed())
		assert.Equal(t, ReasonShutdown, p.closeReason())
	}
	assert.Equal(t, int32(0), b.Stats()["active_relays"])
	assert.Equal(t, true, b.Stats()["shutting_down"])

	_, err = b.Create("n3", "u", KindShell, Settings{})
	assert.ErrorIs(t, err, ErrBrokerClosed)
	assert.ErrorIs(t, b.AttachViewer(screenID, newPipe()), ErrBrokerClosed)

	assert.NoError(t, b.Shutdown(ctx), "second shutdown is a no-op")
}

func TestBrokerShutdownStopsReapers(t *testing.T) {
	b := newTestBroker(t, Options{
		Policies: map[Kind]Policy{
			KindShell: {SweepInterval: 5 * time.Millisecond, PendingTimeout: time.Minute, IdleTimeout: time.Minute},
		},
	})
	b.Start(context.Background())

	rp, err := b.Reaper(KindShell)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rp.Sweeps() > 0 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	n := rp.Sweeps()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, rp.Sweeps())
}

func TestBrokerStatsKeys(t *testing.T) {
	b := newTestBroker(t, Options{})
	id, err := b.Create("n1", "u", KindScreen, Settings{})
	require.NoError(t, err)
	require.NoError(t, b.Close(id, "done"))
	_, err = b.Create("n1", "u", KindShell, Settings{})
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, 1, stats["shell_open"])
	assert.Equal(t, 0, stats["shell_closed"])
	assert.Equal(t, 0, stats["screen_open"])
	assert.Equal(t, 1, stats["screen_closed"])
	assert.Equal(t, uint64(2), stats["total_created"])
}
