package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"FleetBroker/internal/broker"
	"FleetBroker/internal/logger"
)

// BrokerConfig 服务完整配置
type BrokerConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Broker   CoreConfig     `mapstructure:"broker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Agent    AgentConfig    `mapstructure:"agent"`
}

// ServerConfig 对外监听配置
type ServerConfig struct {
	WSAddr            string        `mapstructure:"ws_addr"`
	APIAddr           string        `mapstructure:"api_addr"`
	GRPCAddr          string        `mapstructure:"grpc_addr"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	AgentPollInterval time.Duration `mapstructure:"agent_poll_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// CoreConfig 会话代理核心配置
type CoreConfig struct {
	NotifyTimeout   time.Duration `mapstructure:"notify_timeout"`
	RelayBufferSize int           `mapstructure:"relay_buffer_size"`
	Shell           PolicyConfig  `mapstructure:"shell"`
	Screen          PolicyConfig  `mapstructure:"screen"`
}

// PolicyConfig 单一会话类型的超时策略
type PolicyConfig struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	Retention      time.Duration `mapstructure:"retention"`
	RetainClosed   bool          `mapstructure:"retain_closed"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	ReportCaller bool   `mapstructure:"report_caller"`
}

// DatabaseConfig 审计库配置
type DatabaseConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	SSLMode   string `mapstructure:"sslmode"`
	MaxConns  int32  `mapstructure:"max_conns"`
	QueueSize int    `mapstructure:"queue_size"`
}

// AgentConfig agent 客户端配置
type AgentConfig struct {
	URL                 string        `mapstructure:"url"`
	NodeID              string        `mapstructure:"node_id"`
	Kind                string        `mapstructure:"kind"`
	ReconnectInitial    time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax        time.Duration `mapstructure:"reconnect_max"`
	ReconnectMaxElapsed time.Duration `mapstructure:"reconnect_max_elapsed"`
}

// Load 从文件与环境变量加载配置；path 为空时按默认路径搜索 broker.yaml
func Load(path string) (*BrokerConfig, *viper.Viper, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("broker")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	// BROKER_SERVER_WS_ADDR 覆盖 server.ws_addr
	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*BrokerConfig, error) {
	var cfg BrokerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 只使用默认值的配置
func Default() *BrokerConfig {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.ws_addr", ":18080")
	v.SetDefault("server.api_addr", ":18081")
	v.SetDefault("server.grpc_addr", ":18082")
	v.SetDefault("server.read_buffer_size", 4096)
	v.SetDefault("server.write_buffer_size", 4096)
	v.SetDefault("server.handshake_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.agent_poll_interval", "1s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	shell := broker.DefaultPolicy(broker.KindShell)
	screen := broker.DefaultPolicy(broker.KindScreen)
	v.SetDefault("broker.notify_timeout", "2s")
	v.SetDefault("broker.relay_buffer_size", 64)
	v.SetDefault("broker.shell.sweep_interval", shell.SweepInterval.String())
	v.SetDefault("broker.shell.pending_timeout", shell.PendingTimeout.String())
	v.SetDefault("broker.shell.idle_timeout", shell.IdleTimeout.String())
	v.SetDefault("broker.shell.retention", shell.Retention.String())
	v.SetDefault("broker.shell.retain_closed", shell.RetainClosed)
	v.SetDefault("broker.screen.sweep_interval", screen.SweepInterval.String())
	v.SetDefault("broker.screen.pending_timeout", screen.PendingTimeout.String())
	v.SetDefault("broker.screen.idle_timeout", screen.IdleTimeout.String())
	v.SetDefault("broker.screen.retention", screen.Retention.String())
	v.SetDefault("broker.screen.retain_closed", screen.RetainClosed)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.report_caller", false)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.queue_size", 1024)

	v.SetDefault("agent.url", "ws://localhost:18080/ws/agent")
	v.SetDefault("agent.node_id", "")
	v.SetDefault("agent.kind", "SHELL")
	v.SetDefault("agent.reconnect_initial", "500ms")
	v.SetDefault("agent.reconnect_max", "30s")
	v.SetDefault("agent.reconnect_max_elapsed", "0s")
}

// Validate 校验配置
func (c *BrokerConfig) Validate() error {
	if c.Server.WSAddr == "" {
		return errors.New("server.ws_addr is required")
	}
	if c.Server.AgentPollInterval <= 0 {
		return errors.New("server.agent_poll_interval must be positive")
	}
	if c.Broker.RelayBufferSize <= 0 {
		return fmt.Errorf("broker.relay_buffer_size must be positive, got %d", c.Broker.RelayBufferSize)
	}
	if c.Broker.NotifyTimeout <= 0 {
		return errors.New("broker.notify_timeout must be positive")
	}
	for name, p := range map[string]PolicyConfig{"shell": c.Broker.Shell, "screen": c.Broker.Screen} {
		if p.SweepInterval <= 0 {
			return fmt.Errorf("broker.%s.sweep_interval must be positive", name)
		}
		if p.PendingTimeout <= 0 {
			return fmt.Errorf("broker.%s.pending_timeout must be positive", name)
		}
		if p.IdleTimeout < 0 || p.Retention < 0 {
			return fmt.Errorf("broker.%s timeouts must not be negative", name)
		}
	}
	if _, err := broker.ParseKind(c.Agent.Kind); err != nil {
		return fmt.Errorf("agent.kind: %w", err)
	}
	if c.Database.Enabled && c.Database.Host == "" {
		return errors.New("database.host is required when database is enabled")
	}
	return nil
}

func (p PolicyConfig) policy(kind broker.Kind) broker.Policy {
	return broker.Policy{
		Kind:           kind,
		SweepInterval:  p.SweepInterval,
		PendingTimeout: p.PendingTimeout,
		IdleTimeout:    p.IdleTimeout,
		Retention:      p.Retention,
		RetainClosed:   p.RetainClosed,
	}
}

// BrokerOptions 转换为 broker.Options
func (c *BrokerConfig) BrokerOptions() broker.Options {
	return broker.Options{
		Policies: map[broker.Kind]broker.Policy{
			broker.KindShell:  c.Broker.Shell.policy(broker.KindShell),
			broker.KindScreen: c.Broker.Screen.policy(broker.KindScreen),
		},
		NotifyTimeout:   c.Broker.NotifyTimeout,
		RelayBufferSize: c.Broker.RelayBufferSize,
	}
}

// LoggerOptions 转换为 logger.Options
func (c *BrokerConfig) LoggerOptions() logger.Options {
	return logger.Options{
		Level:        c.Logging.Level,
		Format:       c.Logging.Format,
		ReportCaller: c.Logging.ReportCaller,
	}
}

// DSN PostgreSQL 连接串
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}
