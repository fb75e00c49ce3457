package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"

	"MonadFlow/internal/errors"
)

// CodeConfigError 标记配置加载或解析失败。
const CodeConfigError = errors.Code("CONFIG_ERROR")

func init() {
	errors.Register(CodeConfigError, errors.Attributes{
		Message:  "configuration load failed",
		Severity: errors.SeverityCritical,
		Alert:    true,
	})
}

// Config 描述了 MonadFlow 在启动阶段需要加载的核心配置。
type Config struct {
	Network   NetworkConfig   `json:"network"`
	Wallet    WalletConfig    `json:"wallet"`
	Gas       GasConfig       `json:"gas"`
	Tx        TxConfig        `json:"tx"`
	Runner    RunnerConfig    `json:"runner"`
	API       APIConfig       `json:"api"`
	Alerting  AlertingConfig  `json:"alerting"`
	Contracts ContractsConfig `json:"contracts"`
	Log       LogConfig       `json:"log"`
}

// NetworkConfig 控制默认网络与网络定义文件的位置。
// LegacyRPCURL 与 LegacyChainID 来自旧版单网络环境变量，
// 在解析默认网络时优先生效。
type NetworkConfig struct {
	Default     string `json:"default"`
	Definitions string `json:"definitions"`

	LegacyRPCURL  string `json:"-"`
	LegacyChainID uint64 `json:"-"`
}

// WalletConfig 描述钱包仓库目录与口令来源。
type WalletConfig struct {
	Dir        string `json:"dir"`
	Passphrase string `json:"-"`
	// DefaultKey 来自旧版 PRIVATE_KEY 环境变量，启动时会自动
	// 注册为名为 default 的签名钱包。
	DefaultKey     string `json:"-"`
	DefaultAddress string `json:"-"`
}

// GasConfig 描述 gas 上限与估算参数。Fixed 为 true 时始终使用
// Price 指定的价格，否则按节点建议价乘以 PriceMultiplier。
type GasConfig struct {
	Limit              uint64  `json:"limit"`
	Price              uint64  `json:"price"`
	Fixed              bool    `json:"fixed"`
	EstimateMultiplier float64 `json:"estimate_multiplier"`
	PriceMultiplier    float64 `json:"price_multiplier"`
}

// TxConfig 描述交易执行的超时与重试参数。
type TxConfig struct {
	RequestTimeoutSeconds  int     `json:"request_timeout_seconds"`
	ConfirmTimeoutSeconds  int     `json:"confirm_timeout_seconds"`
	ConfirmIntervalSeconds int     `json:"confirm_interval_seconds"`
	MaxRetries             int     `json:"max_retries"`
	RetryDelaySeconds      float64 `json:"retry_delay_seconds"`
	RetryBackoff           float64 `json:"retry_backoff"`
}

// RequestTimeout 返回单次 RPC 调用的超时时间。
func (c TxConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ConfirmTimeout 返回等待交易确认的最长时间。
func (c TxConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSeconds) * time.Second
}

// ConfirmInterval 返回轮询回执的间隔。
func (c TxConfig) ConfirmInterval() time.Duration {
	return time.Duration(c.ConfirmIntervalSeconds) * time.Second
}

// RetryDelay 返回首次重试前的等待时间。
func (c TxConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds * float64(time.Second))
}

// RunnerConfig 描述任务运行器的队列与并发参数。
type RunnerConfig struct {
	Queue      QueueConfig `json:"queue"`
	Workers    int         `json:"workers"`
	JobRetries int         `json:"job_retries"`
}

// QueueConfig 描述任务队列驱动及其连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// APIConfig 控制本地 REST 服务的监听地址。
type APIConfig struct {
	Address string `json:"address"`
}

// AlertingConfig 描述终态失败的通知渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// ContractsConfig 保存常用合约地址。
type ContractsConfig struct {
	DexRouter string `json:"dex_router"`
}

// LogConfig 描述日志与交易日志的输出方式。
type LogConfig struct {
	Level   string        `json:"level"`
	Format  string        `json:"format"`
	Outputs []string      `json:"outputs"`
	Journal JournalConfig `json:"journal"`
}

// JournalConfig 控制交易日志的落盘与轮转。
type JournalConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// env 描述以 MONADFLOW_ 为前缀的环境变量覆盖项。
type env struct {
	NetworkDefault     string  `envconfig:"NETWORK"`
	NetworkDefinitions string  `envconfig:"NETWORK_DEFINITIONS"`
	WalletDir          string  `envconfig:"WALLET_DIR"`
	WalletPassphrase   string  `envconfig:"WALLET_PASSPHRASE"`
	GasLimit           uint64  `envconfig:"GAS_LIMIT"`
	GasPrice           uint64  `envconfig:"GAS_PRICE"`
	MaxRetries         int     `envconfig:"MAX_RETRIES"`
	RetryDelaySeconds  float64 `envconfig:"RETRY_DELAY"`
	RetryBackoff       float64 `envconfig:"RETRY_BACKOFF"`
	QueueDriver        string  `envconfig:"QUEUE_DRIVER"`
	RedisAddress       string  `envconfig:"REDIS_ADDRESS"`
	RabbitMQURL        string  `envconfig:"RABBITMQ_URL"`
	Workers            int     `envconfig:"WORKERS"`
	APIAddress         string  `envconfig:"API_ADDRESS"`
	AlertWebhook       string  `envconfig:"ALERT_WEBHOOK"`
	DexRouter          string  `envconfig:"DEX_ROUTER"`
	LogLevel           string  `envconfig:"LOG_LEVEL"`
	LogFile            string  `envconfig:"LOG_FILE"`
}

// legacy 描述旧版自动化脚本使用的无前缀环境变量，保留向后兼容。
type legacy struct {
	RPCURL        string `envconfig:"MONAD_RPC_URL"`
	ChainID       uint64 `envconfig:"MONAD_CHAIN_ID"`
	PrivateKey    string `envconfig:"PRIVATE_KEY"`
	WalletAddress string `envconfig:"WALLET_ADDRESS"`
	DexRouter     string `envconfig:"DEX_ROUTER_ADDRESS"`
}

// EnvPrefix 是本项目环境变量的统一前缀。
const EnvPrefix = "monadflow"

// DefaultPath 返回默认配置文件路径。
func DefaultPath() string {
	return filepath.Join("configs", "monadflow.json")
}

// Load 解析配置文件并叠加环境变量覆盖。路径为空时使用默认路径；
// 默认路径不存在时按全默认配置继续，显式给定的路径不存在则报错。
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, errors.Wrap(CodeConfigError, fmt.Sprintf("解析配置文件 %s 失败", path), err)
		}
	case os.IsNotExist(err) && !explicit:
		// 没有配置文件时完全依赖默认值与环境变量。
	default:
		return nil, errors.Wrap(CodeConfigError, "读取配置文件失败", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv 将 MONADFLOW_ 前缀变量与旧版变量叠加到配置上。
func (c *Config) applyEnv() error {
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return errors.Wrap(CodeConfigError, "解析环境变量失败", err)
	}
	if e.NetworkDefault != "" {
		c.Network.Default = e.NetworkDefault
	}
	if e.NetworkDefinitions != "" {
		c.Network.Definitions = e.NetworkDefinitions
	}
	if e.WalletDir != "" {
		c.Wallet.Dir = e.WalletDir
	}
	if e.WalletPassphrase != "" {
		c.Wallet.Passphrase = e.WalletPassphrase
	}
	if e.GasLimit > 0 {
		c.Gas.Limit = e.GasLimit
	}
	if e.GasPrice > 0 {
		c.Gas.Price = e.GasPrice
	}
	if e.MaxRetries > 0 {
		c.Tx.MaxRetries = e.MaxRetries
	}
	if e.RetryDelaySeconds > 0 {
		c.Tx.RetryDelaySeconds = e.RetryDelaySeconds
	}
	if e.RetryBackoff > 0 {
		c.Tx.RetryBackoff = e.RetryBackoff
	}
	if e.QueueDriver != "" {
		c.Runner.Queue.Driver = e.QueueDriver
	}
	if e.RedisAddress != "" {
		c.Runner.Queue.Redis.Address = e.RedisAddress
	}
	if e.RabbitMQURL != "" {
		c.Runner.Queue.RabbitMQ.URL = e.RabbitMQURL
	}
	if e.Workers > 0 {
		c.Runner.Workers = e.Workers
	}
	if e.APIAddress != "" {
		c.API.Address = e.APIAddress
	}
	if e.AlertWebhook != "" {
		c.Alerting.WebhookURL = e.AlertWebhook
	}
	if e.DexRouter != "" {
		c.Contracts.DexRouter = e.DexRouter
	}
	if e.LogLevel != "" {
		c.Log.Level = e.LogLevel
	}
	if e.LogFile != "" {
		c.Log.Outputs = append(c.Log.Outputs, e.LogFile)
	}

	var l legacy
	if err := envconfig.Process("", &l); err != nil {
		return errors.Wrap(CodeConfigError, "解析旧版环境变量失败", err)
	}
	c.Network.LegacyRPCURL = l.RPCURL
	c.Network.LegacyChainID = l.ChainID
	if l.PrivateKey != "" {
		c.Wallet.DefaultKey = l.PrivateKey
	}
	if l.WalletAddress != "" {
		c.Wallet.DefaultAddress = l.WalletAddress
	}
	// 旧版变量优先于新前缀变量。
	if l.DexRouter != "" {
		c.Contracts.DexRouter = l.DexRouter
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Network.Default == "" {
		c.Network.Default = "testnet"
	}
	if c.Wallet.Dir == "" {
		c.Wallet.Dir = "wallets"
	}
	if c.Gas.Limit == 0 {
		c.Gas.Limit = 3_000_000
	}
	if c.Gas.Price == 0 {
		c.Gas.Price = 10_000_000_000
	}
	if c.Gas.EstimateMultiplier <= 0 {
		c.Gas.EstimateMultiplier = 1.1
	}
	if c.Gas.PriceMultiplier <= 0 {
		c.Gas.PriceMultiplier = 1.1
	}
	if c.Tx.RequestTimeoutSeconds <= 0 {
		c.Tx.RequestTimeoutSeconds = 30
	}
	if c.Tx.ConfirmTimeoutSeconds <= 0 {
		c.Tx.ConfirmTimeoutSeconds = 300
	}
	if c.Tx.ConfirmIntervalSeconds <= 0 {
		c.Tx.ConfirmIntervalSeconds = 2
	}
	if c.Tx.MaxRetries <= 0 {
		c.Tx.MaxRetries = 3
	}
	if c.Tx.RetryDelaySeconds <= 0 {
		c.Tx.RetryDelaySeconds = 1.0
	}
	if c.Tx.RetryBackoff <= 0 {
		c.Tx.RetryBackoff = 2.0
	}
	if c.Runner.Queue.Driver == "" {
		c.Runner.Queue.Driver = "memory"
	}
	if c.Runner.Workers <= 0 {
		c.Runner.Workers = 4
	}
	if c.Runner.JobRetries <= 0 {
		c.Runner.JobRetries = 3
	}
	if c.API.Address == "" {
		c.API.Address = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Journal.Enabled && c.Log.Journal.Path == "" {
		c.Log.Journal.Path = filepath.Join("logs", "journal.log")
	}
}
