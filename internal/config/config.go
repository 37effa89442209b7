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

	"gopkg.in/yaml.v3"

	"AutoTip/internal/agent"
	"AutoTip/internal/api"
	"AutoTip/internal/auth"
	"AutoTip/internal/observability/telemetry"
	"AutoTip/internal/storage/mysql"
	"AutoTip/pkg/logger"
)

// 环境变量名称。
const (
	EnvConfigPath   = "AUTOTIP_CONFIG"
	EnvSignerKey    = "AUTOTIP_SIGNER_KEY"
	EnvJWTSecret    = "AUTOTIP_JWT_SECRET"
	EnvDiscordToken = "AUTOTIP_DISCORD_TOKEN"
)

// ReaperGrace 是回收阈值相对提交超时的最小余量。
const ReaperGrace = time.Minute

// DefaultPath 是未设置 AUTOTIP_CONFIG 时读取的配置文件。
var DefaultPath = filepath.Join("configs", "autotip.yaml")

// Config 描述了 autotipd 在启动阶段需要加载的全部配置。
type Config struct {
	Server    api.Config       `json:"server" yaml:"server"`
	Storage   StorageConfig    `json:"storage" yaml:"storage"`
	Queue     QueueConfig      `json:"queue" yaml:"queue"`
	Budget    BudgetConfig     `json:"budget" yaml:"budget"`
	Identity  IdentityConfig   `json:"identity" yaml:"identity"`
	Web3      Web3Config       `json:"web3" yaml:"web3"`
	Engine    EngineConfig     `json:"engine" yaml:"engine"`
	Alerting  AlertingConfig   `json:"alerting" yaml:"alerting"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
	Auth      auth.Config      `json:"auth" yaml:"auth"`
	Logging   logger.Config    `json:"logging" yaml:"logging"`
	Redis     RedisConfig      `json:"redis" yaml:"redis"`
}

// StorageConfig 选择代理与执行记录的存储后端。
type StorageConfig struct {
	Driver string       `json:"driver" yaml:"driver"`
	MySQL  mysql.Config `json:"mysql" yaml:"mysql"`
}

// RedisConfig 是队列、预算锁与查询缓存共用的 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// Enabled 判断是否配置了 Redis。
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Address) != ""
}

// QueueConfig 选择执行队列实现。
type QueueConfig struct {
	Driver   string              `json:"driver" yaml:"driver"`
	Buffer   int                 `json:"buffer" yaml:"buffer"`
	Redis    RedisQueueConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列参数，连接复用 Config.Redis。
type RedisQueueConfig struct {
	Queue     string        `json:"queue" yaml:"queue"`
	BlockWait time.Duration `json:"block_wait" yaml:"block_wait"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列参数。
type RabbitMQQueueConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// BudgetConfig 选择预算守卫的锁与占用实现。
type BudgetConfig struct {
	Driver   string        `json:"driver" yaml:"driver"`
	Prefix   string        `json:"prefix" yaml:"prefix"`
	LockTTL  time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
	HoldsTTL time.Duration `json:"holds_ttl" yaml:"holds_ttl"`
}

// IdentityConfig 描述用户名到地址的目录。
type IdentityConfig struct {
	// DirectoryPath 指向 YAML 目录文件，为空时使用开发目录。
	DirectoryPath string        `json:"directory_path" yaml:"directory_path"`
	Cache         bool          `json:"cache" yaml:"cache"`
	CacheTTL      time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	MissTTL       time.Duration `json:"miss_ttl" yaml:"miss_ttl"`
	// LoadTimeout 限制合并后的上游查询，不受单个调用方取消影响。
	LoadTimeout   time.Duration `json:"load_timeout" yaml:"load_timeout"`
}

// Web3Config 描述链配置与签名账户。
type Web3Config struct {
	ChainsPath     string        `json:"chains_path" yaml:"chains_path"`
	DefaultNetwork string        `json:"default_network" yaml:"default_network"`
	DefaultToken   string        `json:"default_token" yaml:"default_token"`
	SignerKey      string        `json:"signer_key" yaml:"signer_key"`
	DryRun         bool          `json:"dry_run" yaml:"dry_run"`
	WaitReceipt    bool          `json:"wait_receipt" yaml:"wait_receipt"`
	ReceiptTimeout time.Duration `json:"receipt_timeout" yaml:"receipt_timeout"`
}

// EngineConfig 控制事件评估与执行处理。
type EngineConfig struct {
	Workers       int                   `json:"workers" yaml:"workers"`
	Concurrency   int                   `json:"concurrency" yaml:"concurrency"`
	SubmitTimeout time.Duration         `json:"submit_timeout" yaml:"submit_timeout"`
	LookupTimeout time.Duration         `json:"lookup_timeout" yaml:"lookup_timeout"`
	OnUnmatched   agent.UnmatchedPolicy `json:"on_unmatched" yaml:"on_unmatched"`
	Reaper        ReaperConfig          `json:"reaper" yaml:"reaper"`
}

// ReaperConfig 控制滞留执行的清理。
type ReaperConfig struct {
	MaxAge    time.Duration `json:"max_age" yaml:"max_age"`
	Interval  time.Duration `json:"interval" yaml:"interval"`
	BatchSize int           `json:"batch_size" yaml:"batch_size"`
}

// AlertingConfig 描述死信告警渠道。
type AlertingConfig struct {
	DiscordToken     string `json:"discord_token" yaml:"discord_token"`
	DiscordChannelID string `json:"discord_channel_id" yaml:"discord_channel_id"`
}

// Load 负责解析指定路径的配置文件，.yaml/.yml 按 YAML 解析，其余按 JSON 解析。
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
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查驱动名称等枚举字段。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			return errors.New("storage.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return errors.New("redis 队列需要配置 redis.address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			return errors.New("queue.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	switch c.Budget.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return errors.New("redis 预算守卫需要配置 redis.address")
		}
	default:
		return fmt.Errorf("未知的预算守卫驱动: %s", c.Budget.Driver)
	}
	if c.Identity.Cache && !c.Redis.Enabled() {
		return errors.New("identity.cache 需要配置 redis.address")
	}
	switch c.Engine.OnUnmatched {
	case agent.UnmatchedPass, agent.UnmatchedFail:
	default:
		return fmt.Errorf("未知的 on_unmatched 策略: %s", c.Engine.OnUnmatched)
	}
	// 处理中的执行按认领时间计龄，回收阈值必须超过提交超时。
	if c.Engine.Reaper.MaxAge < c.Engine.SubmitTimeout+ReaperGrace {
		return fmt.Errorf("engine.reaper.max_age (%s) 至少需要比 engine.submit_timeout (%s) 多 %s",
			c.Engine.Reaper.MaxAge, c.Engine.SubmitTimeout, ReaperGrace)
	}
	if !c.Web3.DryRun && strings.TrimSpace(c.Web3.SignerKey) == "" {
		return fmt.Errorf("未启用演练模式时必须通过 %s 提供签名私钥", EnvSignerKey)
	}
	return nil
}

// applyEnv 使用环境变量覆盖敏感字段。
func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvSignerKey)); v != "" {
		c.Web3.SignerKey = v
	}
	if v := strings.TrimSpace(getenv(EnvJWTSecret)); v != "" {
		c.Auth.JWT.Secret = v
	}
	if v := strings.TrimSpace(getenv(EnvDiscordToken)); v != "" {
		c.Alerting.DiscordToken = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Storage.Driver = normalizeDriver(c.Storage.Driver)
	c.Queue.Driver = normalizeDriver(c.Queue.Driver)
	c.Budget.Driver = normalizeDriver(c.Budget.Driver)
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}

	if c.Web3.DefaultNetwork == "" {
		c.Web3.DefaultNetwork = "base"
	}
	if c.Web3.DefaultToken == "" {
		c.Web3.DefaultToken = "ETH"
	}
	c.Web3.ChainsPath = resolvePath(baseDir, c.Web3.ChainsPath)
	c.Identity.DirectoryPath = resolvePath(baseDir, c.Identity.DirectoryPath)

	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.Concurrency <= 0 {
		c.Engine.Concurrency = 8
	}
	if c.Engine.SubmitTimeout <= 0 {
		c.Engine.SubmitTimeout = 2 * time.Minute
	}
	if c.Engine.LookupTimeout <= 0 {
		c.Engine.LookupTimeout = 5 * time.Second
	}
	if c.Engine.OnUnmatched == "" {
		c.Engine.OnUnmatched = agent.UnmatchedPass
	}
	if c.Engine.Reaper.MaxAge <= 0 {
		c.Engine.Reaper.MaxAge = 15 * time.Minute
	}
	if c.Engine.Reaper.Interval <= 0 {
		c.Engine.Reaper.Interval = time.Minute
	}
	if c.Engine.Reaper.BatchSize <= 0 {
		c.Engine.Reaper.BatchSize = 100
	}

	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}
}

func normalizeDriver(driver string) string {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		return "memory"
	}
	return driver
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
