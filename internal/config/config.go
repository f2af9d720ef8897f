package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"Walta-Core/internal/auth"
)

// Config 描述了 Walta 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Auth        auth.Config       `json:"auth"`
	Storage     StorageConfig     `json:"storage"`
	Identity    IdentityConfig    `json:"identity"`
	Reason      ReasonConfig      `json:"reason"`
	Ledger      LedgerConfig      `json:"ledger"`
	Negotiation NegotiationConfig `json:"negotiation"`
	Settlement  SettlementConfig  `json:"settlement"`
	Logger      LoggerConfig      `json:"logger"`
	Runtime     RuntimeConfig     `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述交易存储后端的连接信息。
type StorageConfig struct {
	TradeStore TradeStoreConfig `json:"trade_store"`
}

// TradeStoreConfig 选择交易与回执的存储驱动。
type TradeStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// IdentityConfig 配置 DID 注册中心与验证缓存。
type IdentityConfig struct {
	Registry RegistryConfig      `json:"registry"`
	Cache    IdentityCacheConfig `json:"cache"`
}

// RegistryConfig 选择 DID 注册中心的实现。
type RegistryConfig struct {
	Provider      string `json:"provider"`
	BaseURL       string `json:"base_url"`
	ValidityHours int    `json:"validity_hours"`
}

// IdentityCacheConfig 配置身份验证结果的缓存。
type IdentityCacheConfig struct {
	Driver        string `json:"driver"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	TTLSeconds    int    `json:"ttl_seconds"`
}

// ReasonConfig 配置协商决策引擎。
type ReasonConfig struct {
	Provider    string       `json:"provider"`
	ProfilePath string       `json:"profile_path"`
	OpenAI      OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述调用 OpenAI 兼容推理服务所需的信息。
type OpenAIConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// LedgerConfig 选择托管账本驱动。
type LedgerConfig struct {
	Driver           string       `json:"driver"`
	MaxAutoFundCents int64        `json:"max_auto_fund_cents"`
	Bridge           BridgeConfig `json:"bridge"`
	EVM              EVMConfig    `json:"evm"`
}

// BridgeConfig 描述 Bridge 托管账本的接入参数。
type BridgeConfig struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// EVMConfig 描述链上账本驱动的接入参数。
type EVMConfig struct {
	ChainsPath string `json:"chains_path"`
	Chain      string `json:"chain"`
}

// NegotiationConfig 配置协商消息通道与时限。
type NegotiationConfig struct {
	Channel               string         `json:"channel"`
	RabbitMQ              RabbitMQConfig `json:"rabbitmq"`
	DecisionWindowSeconds int            `json:"decision_window_seconds"`
	DeciderTimeoutSeconds int            `json:"decider_timeout_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 通道的连接信息。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// SettlementConfig 控制结算编排的重试策略。
type SettlementConfig struct {
	MaxRetries    int `json:"max_retries"`
	BackoffBaseMS int `json:"backoff_base_ms"`
}

// LoggerConfig 配置结构化日志与审计输出。
type LoggerConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}

	if c.Storage.TradeStore.Driver == "" {
		c.Storage.TradeStore.Driver = "memory"
	}

	if c.Identity.Registry.Provider == "" {
		c.Identity.Registry.Provider = "static"
	}
	if c.Identity.Registry.ValidityHours <= 0 {
		c.Identity.Registry.ValidityHours = 24
	}
	if c.Identity.Cache.Driver == "" {
		c.Identity.Cache.Driver = "memory"
	}
	if c.Identity.Cache.TTLSeconds <= 0 {
		c.Identity.Cache.TTLSeconds = 300
	}

	if c.Reason.Provider == "" {
		c.Reason.Provider = "scripted"
	}
	if c.Reason.ProfilePath != "" && !filepath.IsAbs(c.Reason.ProfilePath) {
		c.Reason.ProfilePath = filepath.Join(baseDir, c.Reason.ProfilePath)
	}
	if c.Reason.OpenAI.TimeoutSeconds <= 0 {
		c.Reason.OpenAI.TimeoutSeconds = 30
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.MaxAutoFundCents <= 0 {
		c.Ledger.MaxAutoFundCents = 100_000
	}
	if c.Ledger.EVM.ChainsPath != "" && !filepath.IsAbs(c.Ledger.EVM.ChainsPath) {
		c.Ledger.EVM.ChainsPath = filepath.Join(baseDir, c.Ledger.EVM.ChainsPath)
	}

	if c.Negotiation.Channel == "" {
		c.Negotiation.Channel = "memory"
	}
	if c.Negotiation.DecisionWindowSeconds <= 0 {
		c.Negotiation.DecisionWindowSeconds = 30
	}
	if c.Negotiation.DeciderTimeoutSeconds <= 0 {
		c.Negotiation.DeciderTimeoutSeconds = 10
	}

	if c.Settlement.MaxRetries <= 0 {
		c.Settlement.MaxRetries = 3
	}
	if c.Settlement.BackoffBaseMS <= 0 {
		c.Settlement.BackoffBaseMS = 200
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.Logger.Audit.Enabled && c.Logger.Audit.Path != "" && !filepath.IsAbs(c.Logger.Audit.Path) {
		c.Logger.Audit.Path = filepath.Join(baseDir, c.Logger.Audit.Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
