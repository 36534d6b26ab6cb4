package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 nookplotd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	LLM      LLMConfig      `json:"llm"`
	Web3     Web3Config     `json:"web3"`
	Relay    RelayConfig    `json:"relay"`
	Executor ExecutorConfig `json:"executor"`
	Decision DecisionConfig `json:"decision"`
	Tools    []ToolConfig   `json:"tools"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ToolConfig 声明一个可执行工具及其治理参数。
type ToolConfig struct {
	Name       string `json:"name"`
	BaseCost   int64  `json:"base_cost"`
	MaxPerHour int    `json:"max_per_hour"`
	MaxPerDay  int    `json:"max_per_day"`
	// Supervised 为 true 时该工具无视自治级别，一律需要人工审批。
	Supervised bool `json:"supervised"`
	// Restricted 为 true 时该工具超出 autonomous 级别的默认边界。
	Restricted bool `json:"restricted"`
	// Opportunity 是映射到该工具的机会类型，可为空。
	Opportunity string `json:"opportunity"`
}

// ServerConfig 控制指标服务的监听地址。
type ServerConfig struct {
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述动作、执行日志、中继日志与信用账户的存储后端。
type StorageConfig struct {
	// Driver 可选 memory 或 mysql。
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述审批通过后的唤醒通知队列。
// 队列只负责降低调度延迟，动作的独占权始终由存储层裁决。
type QueueConfig struct {
	// Driver 可选 memory、redis 或 rabbitmq。
	Driver string `json:"driver"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	RabbitURL string `json:"rabbit_url"`
}

// LLMConfig 用于配置对齐度打分的大模型调用。
type LLMConfig struct {
	// Provider 目前只支持 openai；为空时关闭模型层打分。
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
	// ReserveCredits 是启用模型打分要求的最低账户余额。
	ReserveCredits int64 `json:"reserve_credits"`
	// TimeoutSeconds 是单次打分调用的超时。
	TimeoutSeconds int `json:"timeout_seconds"`
	// ScoringPerMinute 是打分调用的软限流窗口上限。
	ScoringPerMinute int `json:"scoring_per_minute"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	// ChainConfig 指向链端点定义的 YAML 文件。
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	// RPCURL 在未提供 ChainConfig 时作为单链兜底。
	RPCURL string `json:"rpc_url"`
	// IdentityRegistry 是兜底单链的身份注册表合约地址。
	IdentityRegistry string `json:"identity_registry"`
}

// RelayConfig 指向中继层级与熔断预算的 YAML 定义。
type RelayConfig struct {
	TierConfig string `json:"tier_config"`
}

// ExecutorConfig 控制动作执行器的调度参数。
type ExecutorConfig struct {
	TickSeconds int `json:"tick_seconds"`
	BatchSize   int `json:"batch_size"`
	// StaleExecutingMinutes / StaleApprovedHours 是孤儿清扫阈值。
	StaleExecutingMinutes int `json:"stale_executing_minutes"`
	StaleApprovedHours    int `json:"stale_approved_hours"`
}

// DecisionConfig 控制决策引擎的预算参数。
type DecisionConfig struct {
	// CycleBudget 是半自治审批策略使用的单轮信用预算。
	CycleBudget int64 `json:"cycle_budget"`
}

// LoggingConfig 控制应用日志与审计日志。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`

	AuditEnabled    bool   `json:"audit_enabled"`
	AuditPath       string `json:"audit_path"`
	AuditMaxSizeMB  int    `json:"audit_max_size_mb"`
	AuditMaxBackups int    `json:"audit_max_backups"`
	AuditMaxAgeDays int    `json:"audit_max_age_days"`
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
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9090"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.RedisAddr == "" {
		c.Queue.RedisAddr = "127.0.0.1:6379"
	}

	if c.LLM.ReserveCredits <= 0 {
		c.LLM.ReserveCredits = 100
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 15
	}
	if c.LLM.ScoringPerMinute <= 0 {
		c.LLM.ScoringPerMinute = 30
	}

	if c.Relay.TierConfig != "" && !filepath.IsAbs(c.Relay.TierConfig) {
		c.Relay.TierConfig = filepath.Join(baseDir, c.Relay.TierConfig)
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Executor.TickSeconds <= 0 {
		c.Executor.TickSeconds = 15
	}
	if c.Executor.BatchSize <= 0 {
		c.Executor.BatchSize = 10
	}
	if c.Executor.StaleExecutingMinutes <= 0 {
		c.Executor.StaleExecutingMinutes = 30
	}
	if c.Executor.StaleApprovedHours <= 0 {
		c.Executor.StaleApprovedHours = 2
	}

	if c.Decision.CycleBudget <= 0 {
		c.Decision.CycleBudget = 5000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.AuditEnabled && c.Logging.AuditPath == "" {
		c.Logging.AuditPath = filepath.Join(baseDir, "logs", "audit.log")
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
