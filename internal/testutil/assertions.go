package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FleetBroker/internal/broker"
	"FleetBroker/internal/protocol"
)

// SessionReader 断言所需的查询能力
type SessionReader interface {
	Get(id string) (broker.Snapshot, bool)
}

// AssertEventuallyState 断言会话在超时前进入指定状态
func AssertEventuallyState(t *testing.T, b SessionReader, id string, want broker.State, timeout time.Duration) broker.Snapshot {
	t.Helper()
	var snap broker.Snapshot
	require.Eventually(t, func() bool {
		var ok bool
		snap, ok = b.Get(id)
		return ok && snap.State == want
	}, timeout, 10*time.Millisecond, "session %s never reached %s", id, want)
	return snap
}

// AssertEventuallyGone 断言会话在超时前被移除
func AssertEventuallyGone(t *testing.T, b SessionReader, id string, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := b.Get(id)
		return !ok
	}, timeout, 10*time.Millisecond, "session %s still present", id)
}

// AssertClosedFrame 断言帧为会话关闭通知且原因一致
func AssertClosedFrame(t *testing.T, f protocol.Frame, id, reason string) {
	t.Helper()
	require.Equal(t, protocol.OpSessionClosed, f.Opcode)
	var body protocol.SessionClosed
	require.NoError(t, protocol.Unmarshal(f.Body, &body))
	assert.Equal(t, id, body.SessionID)
	assert.Equal(t, reason, body.Reason)
}

// AssertMetricsMonotonic 断言后一次快照的计数器不小于前一次
func AssertMetricsMonotonic(t *testing.T, before, after broker.Metrics) {
	t.Helper()
	assert.GreaterOrEqual(t, after.FramesRelayed, before.FramesRelayed, "frames went backwards")
	assert.GreaterOrEqual(t, after.BytesRelayed, before.BytesRelayed, "bytes went backwards")
	assert.GreaterOrEqual(t, after.CommandCount, before.CommandCount, "commands went backwards")
	assert.GreaterOrEqual(t, after.DroppedUnits, before.DroppedUnits, "drops went backwards")
}
