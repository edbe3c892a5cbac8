package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ChangeFunc 配置热更新回调，old 为更新前的配置
type ChangeFunc func(old, cur *BrokerConfig)

// Manager 统一配置管理器
type Manager struct {
	mu           sync.RWMutex
	cfg          *BrokerConfig
	v            *viper.Viper
	path         string
	watchEnabled bool
	onChange     []ChangeFunc
	log          *logrus.Entry
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 指定配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.path = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// WithOnChange 注册热更新回调
func WithOnChange(fn ChangeFunc) ManagerOption {
	return func(m *Manager) {
		m.onChange = append(m.onChange, fn)
	}
}

// WithLogger 设置日志
func WithLogger(l *logrus.Entry) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置，已加载时直接返回
func (m *Manager) Load() (*BrokerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg != nil {
		return m.cfg, nil
	}

	cfg, v, err := Load(m.path)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	m.cfg, m.v = cfg, v

	if m.watchEnabled && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := m.reloadFrom(v); err != nil {
				m.log.WithError(err).WithField("file", e.Name).Warn("config reload rejected, keeping previous config")
			}
		})
		v.WatchConfig()
	}
	return cfg, nil
}

// Get 返回当前配置（未加载时自动加载）
func (m *Manager) Get() (*BrokerConfig, error) {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()
	if cfg != nil {
		return cfg, nil
	}
	return m.Load()
}

// Reload 重新读取配置文件
func (m *Manager) Reload() error {
	m.mu.RLock()
	v := m.v
	m.mu.RUnlock()
	if v == nil {
		_, err := m.Load()
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("重新加载配置失败: %w", err)
	}
	return m.reloadFrom(v)
}

// reloadFrom 新配置校验失败时保留旧配置
func (m *Manager) reloadFrom(v *viper.Viper) error {
	cfg, err := decode(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	callbacks := append([]ChangeFunc(nil), m.onChange...)
	m.mu.Unlock()

	m.log.WithField("file", v.ConfigFileUsed()).Info("config reloaded")
	for _, fn := range callbacks {
		fn(old, cfg)
	}
	return nil
}

// Summary 配置摘要，用于 /stats 与启动日志
func (m *Manager) Summary() map[string]interface{} {
	cfg, err := m.Get()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	m.mu.RLock()
	file := ""
	if m.v != nil {
		file = m.v.ConfigFileUsed()
	}
	m.mu.RUnlock()

	return map[string]interface{}{
		"config_file":       file,
		"ws_addr":           cfg.Server.WSAddr,
		"api_addr":          cfg.Server.APIAddr,
		"grpc_addr":         cfg.Server.GRPCAddr,
		"log_level":         cfg.Logging.Level,
		"database_enabled":  cfg.Database.Enabled,
		"relay_buffer_size": cfg.Broker.RelayBufferSize,
	}
}
