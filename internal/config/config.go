package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"AgentTaskEscrow/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "ESCROW_CONFIG"

// Config 描述了托管服务在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Log     logger.Config `json:"log" yaml:"log"`
	Escrow  EscrowConfig  `json:"escrow" yaml:"escrow"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Events  EventsConfig  `json:"events" yaml:"events"`
	Clock   ClockConfig   `json:"clock" yaml:"clock"`
	Notify  NotifyConfig  `json:"notify" yaml:"notify"`
	Bank    BankConfig    `json:"bank" yaml:"bank"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `json:"address" yaml:"address"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Auth            AuthConfig `json:"auth" yaml:"auth"`
}

// AuthConfig 控制写接口的请求签名校验。Disabled 仅用于本地调试。
type AuthConfig struct {
	Disabled bool     `json:"disabled" yaml:"disabled"`
	MaxSkew  Duration `json:"max_skew" yaml:"max_skew"`
}

// MetricsConfig 控制 Prometheus 指标的暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// EscrowConfig 对应账本的全局参数。
type EscrowConfig struct {
	CooldownDuration    Duration          `json:"cooldown_duration" yaml:"cooldown_duration"`
	AgentResponseWindow Duration          `json:"agent_response_window" yaml:"agent_response_window"`
	DisputeBondBps      uint32            `json:"dispute_bond_bps" yaml:"dispute_bond_bps"`
	CustodyAddress      string            `json:"custody_address" yaml:"custody_address"`
	MinimumStake        map[string]string `json:"minimum_stake" yaml:"minimum_stake"`
}

// StorageConfig 描述任务记录的持久化后端。
type StorageConfig struct {
	Driver          string   `json:"driver" yaml:"driver"`
	DSN             string   `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `json:"auto_migrate" yaml:"auto_migrate"`
}

// EventsConfig 描述生命周期事件的投递队列。
type EventsConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
}

// RabbitMQConfig 描述 AMQP 队列连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// ClockConfig 决定账本使用的时间来源。
type ClockConfig struct {
	Source string   `json:"source" yaml:"source"`
	RPCURL string   `json:"rpc_url" yaml:"rpc_url"`
	Cache  Duration `json:"cache" yaml:"cache"`
}

// NotifyConfig 描述事件通知的投递目标。
type NotifyConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Webhooks     []string `json:"webhooks" yaml:"webhooks"`
	AlertWebhook string   `json:"alert_webhook" yaml:"alert_webhook"`
	Timeout      Duration `json:"timeout" yaml:"timeout"`
	Workers      int      `json:"workers" yaml:"workers"`
}

// BankConfig 为内存托管银行预置余额与授权。
type BankConfig struct {
	Seed []BalanceSeed `json:"seed" yaml:"seed"`
}

// BalanceSeed 描述一条初始余额。
type BalanceSeed struct {
	Token   string `json:"token" yaml:"token"`
	Holder  string `json:"holder" yaml:"holder"`
	Amount  string `json:"amount" yaml:"amount"`
	Approve bool   `json:"approve" yaml:"approve"`
}

// Duration 允许在配置文件中使用 "24h"、"90s" 这样的写法。
type Duration struct {
	time.Duration
}

// UnmarshalJSON 支持字符串或纳秒整数两种写法。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("解析时长失败: %w", err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(v)
	default:
		return fmt.Errorf("不支持的时长格式: %s", string(data))
	}
	return nil
}

// MarshalJSON 以字符串形式输出。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML 支持 YAML 中的字符串时长。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("解析时长失败: %w", err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML 以字符串形式输出。
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Load 负责解析指定路径的配置文件，根据扩展名选择 YAML 或 JSON 解码。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件时使用的默认配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout.Duration == 0 {
		c.Server.ReadTimeout.Duration = 15 * time.Second
	}
	if c.Server.WriteTimeout.Duration == 0 {
		c.Server.WriteTimeout.Duration = 15 * time.Second
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 5 * time.Second
	}
	if c.Server.Auth.MaxSkew.Duration == 0 {
		c.Server.Auth.MaxSkew.Duration = 5 * time.Minute
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Escrow.CooldownDuration.Duration == 0 {
		c.Escrow.CooldownDuration.Duration = 24 * time.Hour
	}
	if c.Escrow.AgentResponseWindow.Duration == 0 {
		c.Escrow.AgentResponseWindow.Duration = 48 * time.Hour
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" {
		if c.Storage.DSN == "" {
			c.Storage.DSN = filepath.Join(baseDir, "data", "escrow.db")
		} else if !filepath.IsAbs(c.Storage.DSN) && !strings.HasPrefix(c.Storage.DSN, "file:") {
			c.Storage.DSN = filepath.Join(baseDir, c.Storage.DSN)
		}
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 10
	}
	if c.Storage.MaxIdleConns == 0 {
		c.Storage.MaxIdleConns = 5
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Redis.Key == "" {
		c.Events.Redis.Key = "escrow:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "escrow.events"
	}

	if c.Clock.Source == "" {
		c.Clock.Source = "system"
	}

	if c.Notify.Timeout.Duration == 0 {
		c.Notify.Timeout.Duration = 5 * time.Second
	}
	if c.Notify.Workers <= 0 {
		c.Notify.Workers = 1
	}
}

// Validate 检查配置之间的依赖关系。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql", "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("存储驱动 %s 需要配置 dsn", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}

	switch c.Events.Driver {
	case "memory", "none":
	case "redis":
		if c.Events.Redis.Address == "" {
			return errors.New("redis 事件队列需要配置 address")
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 事件队列需要配置 url")
		}
	default:
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}

	switch c.Clock.Source {
	case "system":
	case "chain":
		if c.Clock.RPCURL == "" {
			return errors.New("链上时钟需要配置 rpc_url")
		}
	default:
		return fmt.Errorf("未知的时钟来源: %s", c.Clock.Source)
	}

	if c.Escrow.DisputeBondBps > 10000 {
		return fmt.Errorf("dispute_bond_bps 不能超过 10000: %d", c.Escrow.DisputeBondBps)
	}
	return nil
}
