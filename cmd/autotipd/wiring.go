package main

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"AutoTip/internal/agent"
	"AutoTip/internal/budget"
	"AutoTip/internal/config"
	"AutoTip/internal/execution"
	"AutoTip/internal/identity"
	"AutoTip/internal/observability/alerting"
	"AutoTip/internal/storage/mysql"
	"AutoTip/internal/web3"
	"AutoTip/internal/web3/provider"
	"AutoTip/pkg/logger"
)

type stores struct {
	agents     agent.Store
	executions execution.Store
	db         *sql.DB
}

func (s *stores) Close() {
	_ = s.agents.Close()
	_ = s.executions.Close()
	if s.db != nil {
		_ = s.db.Close()
	}
}

func openStores(ctx context.Context, cfg config.StorageConfig) (*stores, error) {
	switch cfg.Driver {
	case "memory":
		return &stores{agents: agent.NewMemoryStore(), executions: execution.NewMemoryStore()}, nil
	case "mysql":
		db, err := mysql.Open(ctx, cfg.MySQL)
		if err != nil {
			return nil, err
		}
		return &stores{agents: mysql.NewAgentStore(db), executions: mysql.NewExecutionStore(db), db: db}, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func dialRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// chainRuntime 汇总链配置、转账提交者与 ENS 解析。
type chainRuntime struct {
	defs      web3.ChainDefinitions
	submitter web3.Submitter
	names     identity.NameResolver
	registry  *provider.Registry
}

func (c *chainRuntime) Close() {
	if c.registry != nil {
		c.registry.Close()
	}
}

func openChain(ctx context.Context, cfg config.Web3Config) (*chainRuntime, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainsPath)
	if err != nil {
		return nil, err
	}
	if cfg.DryRun {
		logger.Named("web3").Warn("已启用演练模式，转账不会上链")
		return &chainRuntime{defs: defs, submitter: web3.DryRun{}}, nil
	}
	key, err := parseSignerKey(cfg.SignerKey)
	if err != nil {
		return nil, err
	}
	registry, err := provider.Dial(ctx, defs, key, provider.Config{
		DefaultNetwork: cfg.DefaultNetwork,
		WaitReceipt:    cfg.WaitReceipt,
		ReceiptTimeout: cfg.ReceiptTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &chainRuntime{defs: defs, submitter: registry, names: registry.NameResolver(), registry: registry}, nil
}

func parseSignerKey(raw string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return key, nil
}

func buildDirectory(cfg config.IdentityConfig, client *redis.Client, names identity.NameResolver) (identity.Directory, error) {
	var base identity.Directory
	if cfg.DirectoryPath != "" {
		static, err := identity.LoadStaticDirectory(cfg.DirectoryPath)
		if err != nil {
			return nil, err
		}
		base = static
	} else {
		logger.Named("identity").Warn("未配置身份目录，使用开发目录派生地址")
		base = identity.DevDirectory{}
	}
	if names != nil {
		// 静态目录未命中的 ENS 名称再查询链上。
		base = identity.Chain(base, identity.Names(names))
	}

	var cache redis.UniversalClient
	if cfg.Cache && client != nil {
		cache = client
	}
	return identity.NewCachedDirectory(base, cache, identity.CacheConfig{
		TTL:         cfg.CacheTTL,
		MissTTL:     cfg.MissTTL,
		LoadTimeout: cfg.LoadTimeout,
	}), nil
}

// executionQueue 同时具备投递与消费能力。
type executionQueue interface {
	execution.Producer
	execution.Consumer
}

func openQueue(ctx context.Context, cfg config.QueueConfig, client *redis.Client) (executionQueue, error) {
	switch cfg.Driver {
	case "memory":
		return execution.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis 队列需要 Redis 连接")
		}
		return execution.NewRedisQueue(client, execution.RedisQueueConfig{
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait,
		})
	case "rabbitmq":
		return execution.NewRabbitMQQueue(execution.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func buildGuard(cfg config.BudgetConfig, client *redis.Client) *budget.Guard {
	if cfg.Driver == "redis" && client != nil {
		return budget.NewRedisGuard(client, budget.RedisConfig{
			Prefix:   cfg.Prefix,
			LockTTL:  cfg.LockTTL,
			HoldsTTL: cfg.HoldsTTL,
		})
	}
	return budget.NewMemoryGuard()
}

func buildAlerts(cfg config.AlertingConfig) (*alerting.FanoutDispatcher, error) {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.DiscordToken != "" && cfg.DiscordChannelID != "" {
		session, err := alerting.NewDiscordSession(cfg.DiscordToken)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, &alerting.DiscordNotifier{Session: session, ChannelID: cfg.DiscordChannelID})
	}
	return alerting.NewFanout(notifiers...), nil
}
