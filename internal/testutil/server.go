package testutil

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"FleetBroker/internal/broker"
	"FleetBroker/internal/wsserver"
)

// QuietLogger 丢弃输出的日志，避免测试输出噪音
func QuietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// TestStack broker 加 WebSocket 接入层的测试包装器
type TestStack struct {
	Broker *broker.Broker
	Server *wsserver.Server
	HTTP   *httptest.Server
	t      *testing.T
}

// NewTestStack 创建并启动测试栈，测试结束时自动关闭
func NewTestStack(t *testing.T) *TestStack {
	return NewTestStackWithConfig(t, nil)
}

// NewTestStackWithConfig 允许调整 broker 与服务配置
func NewTestStackWithConfig(t *testing.T, customizer func(*broker.Options, *wsserver.ServerConfig)) *TestStack {
	t.Helper()

	opts := broker.Options{Logger: QuietLogger(), NotifyTimeout: 500 * time.Millisecond}
	cfg := wsserver.DefaultServerConfig("")
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	if customizer != nil {
		customizer(&opts, &cfg)
	}

	b := broker.New(opts)
	srv := wsserver.New(cfg, b, wsserver.WithLogger(QuietLogger()))
	ts := &TestStack{
		Broker: b,
		Server: srv,
		HTTP:   httptest.NewServer(srv.Handler()),
		t:      t,
	}
	t.Cleanup(ts.Stop)
	return ts
}

// Stop 关闭 broker 与服务，可重复调用
func (ts *TestStack) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ts.Broker.Shutdown(ctx); err != nil {
		ts.t.Logf("broker shutdown: %v", err)
	}
	if err := ts.Server.Shutdown(ctx); err != nil {
		ts.t.Logf("server shutdown: %v", err)
	}
	ts.HTTP.Close()
}

// WebSocketURL ws:// 形式的根地址
func (ts *TestStack) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(ts.HTTP.URL, "http")
}

// HTTPURL http:// 形式的根地址
func (ts *TestStack) HTTPURL() string {
	return ts.HTTP.URL
}
