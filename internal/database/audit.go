package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"FleetBroker/internal/broker"
	"FleetBroker/internal/logger"
)

// Execer 审计写入所需的最小数据库能力，*pgxpool.Pool 满足该接口
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createAuditTable = `
CREATE TABLE IF NOT EXISTS session_events (
	id            BIGSERIAL PRIMARY KEY,
	session_id    TEXT        NOT NULL,
	node_id       TEXT        NOT NULL,
	kind          TEXT        NOT NULL,
	event         TEXT        NOT NULL,
	state         TEXT        NOT NULL,
	requested_by  TEXT        NOT NULL,
	close_reason  TEXT        NOT NULL DEFAULT '',
	frames        BIGINT      NOT NULL DEFAULT 0,
	bytes         BIGINT      NOT NULL DEFAULT 0,
	commands      BIGINT      NOT NULL DEFAULT 0,
	dropped       BIGINT      NOT NULL DEFAULT 0,
	occurred_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS session_events_session_idx ON session_events (session_id);`

const insertAuditEvent = `
INSERT INTO session_events
	(session_id, node_id, kind, event, state, requested_by, close_reason, frames, bytes, commands, dropped, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// AuditSink 把会话生命周期事件异步写入 PostgreSQL
//
// OnSessionEvent 在注册表的调用路径上执行，只做非阻塞入队；队列满时丢弃并计数。
type AuditSink struct {
	db           Execer
	events       chan broker.Event
	writeTimeout time.Duration
	log          *logrus.Entry

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewAuditSink 创建审计写入器，需调用 Start 启动写入协程
func NewAuditSink(db Execer, queueSize int) *AuditSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &AuditSink{
		db:           db,
		events:       make(chan broker.Event, queueSize),
		writeTimeout: 5 * time.Second,
		log:          logger.NewLogger("audit"),
	}
}

// EnsureSchema 创建审计表
func (s *AuditSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createAuditTable); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// OnSessionEvent 实现 broker.Observer
func (s *AuditSink) OnSessionEvent(ev broker.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Start 启动写入协程，ctx 结束后剩余事件不再写入
func (s *AuditSink) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range s.events {
			if ctx.Err() != nil {
				s.dropped.Add(1)
				continue
			}
			s.write(ctx, ev)
		}
	}()
}

func (s *AuditSink) write(ctx context.Context, ev broker.Event) {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	snap := ev.Session
	m := snap.Metrics
	_, err := s.db.Exec(ctx, insertAuditEvent,
		snap.ID, snap.NodeID, snap.KindName, ev.Type.String(), snap.StateName, snap.RequestedBy,
		snap.CloseReason, int64(m.FramesRelayed), int64(m.BytesRelayed), int64(m.CommandCount),
		int64(m.DroppedUnits), ev.At)
	if err != nil {
		s.failed.Add(1)
		s.log.WithError(err).WithFields(logrus.Fields{
			"session_id": snap.ID,
			"event":      ev.Type.String(),
		}).Warn("audit write failed")
		return
	}
	s.written.Add(1)
}

// Close 停止接收事件，等待已入队事件写完
func (s *AuditSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit drain: %w", ctx.Err())
	}
}

// Stats 审计写入统计
func (s *AuditSink) Stats() map[string]interface{} {
	return map[string]interface{}{
		"written": s.written.Load(),
		"failed":  s.failed.Load(),
		"dropped": s.dropped.Load(),
		"pending": len(s.events),
	}
}
