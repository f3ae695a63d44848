package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 AgentPay 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Lock       LockConfig       `json:"lock"`
	Web3       Web3Config       `json:"web3"`
	Contract   ContractConfig   `json:"contract"`
	Submitter  SubmitterConfig  `json:"submitter"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Agent      AgentConfig      `json:"agent"`
	Auth       AuthConfig       `json:"auth"`
	Alerting   AlertingConfig   `json:"alerting"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string `json:"address"`
	ShutdownSeconds int    `json:"shutdown_seconds"`
}

// ShutdownTimeout 返回 HTTP 服务优雅退出的等待时间。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownSeconds) * time.Second
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
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

// StorageConfig 描述分发账本的存储后端。
type StorageConfig struct {
	// Driver 可选 memory、sqlite、mysql。
	Driver string      `json:"driver"`
	SQLite SQLiteConfig `json:"sqlite"`
	MySQL  MySQLConfig  `json:"mysql"`
}

// SQLiteConfig 为单机部署提供持久化文件路径。
type SQLiteConfig struct {
	Path string `json:"path"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                string `json:"dsn"`
	MaxOpenConns       int    `json:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述分发队列。
type QueueConfig struct {
	// Driver 可选 memory、redis、rabbitmq。
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// LockConfig 描述分发器主节点锁。
type LockConfig struct {
	// Driver 可选 none、memory、redis、mysql。none 表示不做互斥，仅适用于单实例。
	Driver     string      `json:"driver"`
	Name       string      `json:"name"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// TTL 返回锁的有效期。
func (l LockConfig) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL            string  `json:"rpc_url"`
	ChainConfig       string  `json:"chain_config"`
	DefaultChain      string  `json:"default_chain"`
	ChainID           uint64  `json:"chain_id"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// ContractConfig 指定支付合约地址与接口描述。
type ContractConfig struct {
	Address string `json:"address"`
	ABIPath string `json:"abi_path"`
}

// SubmitterConfig 控制支付交易的签名与广播。
type SubmitterConfig struct {
	// PrivateKeyEnv 指定保存签名私钥的环境变量名，私钥本身不写入配置文件。
	PrivateKeyEnv    string  `json:"private_key_env"`
	GasLimit         uint64  `json:"gas_limit"`
	GasMultiplier    float64 `json:"gas_multiplier"`
	MaxAttempts      int     `json:"max_attempts"`
	InitialBackoffMs int     `json:"initial_backoff_ms"`
	MaxBackoffMs     int     `json:"max_backoff_ms"`
	Currency         string  `json:"currency"`
	Network          string  `json:"network"`
}

// InitialBackoff 返回首次重试前的等待时间。
func (s SubmitterConfig) InitialBackoff() time.Duration {
	return time.Duration(s.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff 返回重试等待的上限。
func (s SubmitterConfig) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffMs) * time.Millisecond
}

// DispatcherConfig 控制事件轮询、确认深度和任务执行。
type DispatcherConfig struct {
	Name               string `json:"name"`
	PollIntervalMs     int    `json:"poll_interval_ms"`
	FinalityDepth      uint64 `json:"finality_depth"`
	BatchSize          uint64 `json:"batch_size"`
	StartBlock         uint64 `json:"start_block"`
	MaxReorgDepth      uint64 `json:"max_reorg_depth"`
	Workers            int    `json:"workers"`
	MaxRetries         int    `json:"max_retries"`
	RetryBackoffSec    int    `json:"retry_backoff_seconds"`
	TaskTimeoutSec     int    `json:"task_timeout_seconds"`
	ParkTimeoutSec     int    `json:"park_timeout_seconds"`
	ShutdownTimeoutSec int    `json:"shutdown_timeout_seconds"`
}

// PollInterval 返回轮询间隔。
func (d DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// RetryBackoff 返回任务重试的基础退避时间。
func (d DispatcherConfig) RetryBackoff() time.Duration {
	return time.Duration(d.RetryBackoffSec) * time.Second
}

// TaskTimeout 返回单个任务的执行超时。
func (d DispatcherConfig) TaskTimeout() time.Duration {
	return time.Duration(d.TaskTimeoutSec) * time.Second
}

// ParkTimeout 返回未关联事件在判定失败前的等待时间。
func (d DispatcherConfig) ParkTimeout() time.Duration {
	return time.Duration(d.ParkTimeoutSec) * time.Second
}

// ShutdownTimeout 返回停机时等待进行中任务的时间。
func (d DispatcherConfig) ShutdownTimeout() time.Duration {
	return time.Duration(d.ShutdownTimeoutSec) * time.Second
}

// AgentConfig 配置任务处理器。
type AgentConfig struct {
	LLM       LLMConfig       `json:"llm"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	// Plugins 指向插件管理器的 YAML 配置，为空时不加载插件。
	Plugins string `json:"plugins"`
}

// KnowledgeConfig 描述静态知识库，Source 为空时不注册 lookup_knowledge。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// LLMConfig 用于配置大模型推理的调用方式，Provider 为空时不注册 LLM 任务。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// AuthConfig 控制写接口的鉴权方式。
type AuthConfig struct {
	// Mode 可选 disabled、token、jwt。
	Mode   string    `json:"mode"`
	Tokens []string  `json:"tokens"`
	JWT    JWTConfig `json:"jwt"`
}

// JWTConfig 描述 HS256 令牌校验参数。
type JWTConfig struct {
	SecretEnv string `json:"secret_env"`
	Issuer    string `json:"issuer"`
	Audience  string `json:"audience"`
}

// AlertingConfig 配置告警通道。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
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

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回未读取任何文件时的默认配置，供命令行工具使用。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyEnv 允许通过环境变量覆盖部署相关的字段。
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("AGENTPAY_RPC_URL")); v != "" {
		c.Web3.RPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTPAY_CONTRACT_ADDRESS")); v != "" {
		c.Contract.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTPAY_MYSQL_DSN")); v != "" {
		c.Storage.MySQL.DSN = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = "logs/audit.log"
	}
	c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = filepath.Join(c.Runtime.DataDir, "agentpay.db")
	} else {
		c.Storage.SQLite.Path = resolvePath(baseDir, c.Storage.SQLite.Path)
	}
	if c.Storage.MySQL.MaxOpenConns <= 0 {
		c.Storage.MySQL.MaxOpenConns = 10
	}
	if c.Storage.MySQL.MaxIdleConns <= 0 {
		c.Storage.MySQL.MaxIdleConns = 5
	}
	if c.Storage.MySQL.ConnMaxLifetimeSec <= 0 {
		c.Storage.MySQL.ConnMaxLifetimeSec = 300
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 128
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "agentpay:dispatch"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "agentpay.dispatch"
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = 16
	}

	c.Lock.Driver = strings.ToLower(strings.TrimSpace(c.Lock.Driver))
	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
	if c.Lock.TTLSeconds <= 0 {
		c.Lock.TTLSeconds = 30
	}

	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
	c.Contract.ABIPath = resolvePath(baseDir, c.Contract.ABIPath)

	if c.Submitter.PrivateKeyEnv == "" {
		c.Submitter.PrivateKeyEnv = "AGENTPAY_PRIVATE_KEY"
	}
	if c.Submitter.GasMultiplier <= 0 {
		c.Submitter.GasMultiplier = 1.2
	}
	if c.Submitter.MaxAttempts <= 0 {
		c.Submitter.MaxAttempts = 5
	}
	if c.Submitter.InitialBackoffMs <= 0 {
		c.Submitter.InitialBackoffMs = 500
	}
	if c.Submitter.MaxBackoffMs <= 0 {
		c.Submitter.MaxBackoffMs = 10_000
	}
	if c.Submitter.Currency == "" {
		c.Submitter.Currency = "ETH"
	}

	if c.Dispatcher.Name == "" {
		c.Dispatcher.Name = "payments"
	}
	if c.Lock.Name == "" {
		c.Lock.Name = "agentpay:dispatcher:" + c.Dispatcher.Name
	}
	if c.Dispatcher.PollIntervalMs <= 0 {
		c.Dispatcher.PollIntervalMs = 4000
	}
	if c.Dispatcher.FinalityDepth == 0 {
		c.Dispatcher.FinalityDepth = 5
	}
	if c.Dispatcher.BatchSize == 0 {
		c.Dispatcher.BatchSize = 10
	}
	if c.Dispatcher.MaxReorgDepth < c.Dispatcher.FinalityDepth {
		c.Dispatcher.MaxReorgDepth = c.Dispatcher.FinalityDepth * 4
	}
	if c.Dispatcher.Workers <= 0 {
		c.Dispatcher.Workers = 4
	}
	if c.Dispatcher.MaxRetries <= 0 {
		c.Dispatcher.MaxRetries = 3
	}
	if c.Dispatcher.RetryBackoffSec <= 0 {
		c.Dispatcher.RetryBackoffSec = 5
	}
	if c.Dispatcher.TaskTimeoutSec <= 0 {
		c.Dispatcher.TaskTimeoutSec = 60
	}
	if c.Dispatcher.ParkTimeoutSec <= 0 {
		c.Dispatcher.ParkTimeoutSec = 600
	}
	if c.Dispatcher.ShutdownTimeoutSec <= 0 {
		c.Dispatcher.ShutdownTimeoutSec = 15
	}

	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.JWT.SecretEnv == "" {
		c.Auth.JWT.SecretEnv = "AGENTPAY_JWT_SECRET"
	}

	c.Agent.Knowledge.Source = resolvePath(baseDir, c.Agent.Knowledge.Source)
	if c.Agent.Knowledge.MaxResults <= 0 {
		c.Agent.Knowledge.MaxResults = 3
	}
	c.Agent.Plugins = resolvePath(baseDir, c.Agent.Plugins)

	if c.Agent.LLM.OpenAI.APIKeyEnv == "" {
		c.Agent.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Agent.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.Agent.LLM.OpenAI.TimeoutSeconds = 30
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

// Validate 检查配置之间是否自洽。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "mysql":
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			errs = append(errs, errors.New("storage.mysql.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的存储驱动 %q", c.Storage.Driver))
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的队列驱动 %q", c.Queue.Driver))
	}

	switch c.Lock.Driver {
	case "none", "memory":
	case "redis":
		if c.Lock.Redis.Address == "" {
			errs = append(errs, errors.New("lock.redis.address 不能为空"))
		}
	case "mysql":
		if c.Storage.Driver != "mysql" {
			errs = append(errs, errors.New("lock.driver=mysql 需要 storage.driver=mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的锁驱动 %q", c.Lock.Driver))
	}

	switch c.Auth.Mode {
	case "disabled", "jwt":
	case "token":
		if len(c.Auth.Tokens) == 0 {
			errs = append(errs, errors.New("auth.mode=token 需要配置 auth.tokens"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的鉴权模式 %q", c.Auth.Mode))
	}

	if c.Dispatcher.BatchSize == 0 {
		errs = append(errs, errors.New("dispatcher.batch_size 必须大于 0"))
	}
	return errors.Join(errs...)
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
