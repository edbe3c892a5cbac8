package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options 日志配置
type Options struct {
	Level        string    // debug/info/warn/error
	Format       string    // text 或 json
	ReportCaller bool      // 记录调用位置
	Output       io.Writer // 默认 stderr
}

var (
	base      = logrus.New()
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
)

// Init 初始化全局日志器，所有组件日志共享同一个输出与级别
func Init(opts Options) error {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	base.SetOutput(opts.Output)
	base.SetReportCaller(opts.ReportCaller)

	switch strings.ToLower(opts.Format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", opts.Format)
	}

	if opts.Level == "" {
		opts.Level = "info"
	}
	return SetLevel(opts.Level)
}

// SetLevel 动态调整日志级别，配置热更新时调用
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	base.SetLevel(lvl)
	return nil
}

// Level 当前日志级别
func Level() string {
	return base.GetLevel().String()
}

// NewLogger 返回带 component 字段的日志器，同名组件复用同一个实例
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[component]; ok {
		return l
	}
	l := base.WithField("component", component)
	loggers[component] = l
	return l
}

// AddHook 给全局日志器挂载钩子
func AddHook(h logrus.Hook) {
	base.AddHook(h)
}
