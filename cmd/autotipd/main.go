package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"AutoTip/internal/agent"
	"AutoTip/internal/api"
	"AutoTip/internal/auth"
	"AutoTip/internal/config"
	"AutoTip/internal/engine"
	"AutoTip/internal/execution"
	"AutoTip/internal/observability/metrics"
	"AutoTip/internal/observability/telemetry"
	"AutoTip/internal/rules"
	"AutoTip/pkg/logger"
)

// main 是 AutoTip 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env 不存在时忽略。
	_ = godotenv.Load()

	if err := run(ctx); err != nil {
		log.Fatalf("autotipd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = config.DefaultPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	lg := logger.Named("autotipd")

	exporter, err := metrics.NewExporter()
	if err != nil {
		return err
	}
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, exporter.Reader())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			lg.Warn("关闭遥测导出失败", slog.Any("error", err))
		}
	}()

	redisClient, err := dialRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	stores, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer stores.Close()

	chain, err := openChain(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chain.Close()

	directory, err := buildDirectory(cfg.Identity, redisClient, chain.names)
	if err != nil {
		return err
	}

	queue, err := openQueue(ctx, cfg.Queue, redisClient)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭执行队列失败", slog.Any("error", err))
		}
	}()

	alerts, err := buildAlerts(cfg.Alerting)
	if err != nil {
		return err
	}

	agents := agent.NewService(stores.agents,
		agent.WithRuleValidator(rules.ValidateRule),
		agent.WithTokenInfo(chain.defs),
		agent.WithDefaults(cfg.Web3.DefaultNetwork, cfg.Web3.DefaultToken),
	)
	executions := execution.NewService(stores.executions, queue, buildGuard(cfg.Budget, redisClient), agents,
		execution.WithAlertDispatcher(alerts),
		execution.WithLogger(logger.Named("execution")),
	)
	pipeline := rules.NewPipeline(directory,
		rules.WithUnmatchedPolicy(cfg.Engine.OnUnmatched),
		rules.WithLookupTimeout(cfg.Engine.LookupTimeout),
		rules.WithTokenInfo(chain.defs),
	)
	dispatcher := engine.NewDispatcher(agents, pipeline, executions, engine.WithConcurrency(cfg.Engine.Concurrency))

	processor := execution.NewProcessor(executions, chain.submitter, queue,
		execution.WithWorkerCount(cfg.Engine.Workers),
		execution.WithSubmitTimeout(cfg.Engine.SubmitTimeout),
		execution.WithProcessorLogger(logger.Named("processor")),
	)
	reaper := execution.NewReaper(executions,
		execution.WithMaxAge(cfg.Engine.Reaper.MaxAge),
		execution.WithInterval(cfg.Engine.Reaper.Interval),
		execution.WithBatchSize(cfg.Engine.Reaper.BatchSize),
	)

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server, agents, executions, dispatcher, authSvc,
		api.WithMetricsHandler(exporter.Handler()))

	lg.Info("autotipd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("budget", cfg.Budget.Driver),
		slog.Bool("dry_run", cfg.Web3.DryRun),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return processor.Start(groupCtx) })
	group.Go(func() error { return reaper.Run(groupCtx) })
	group.Go(func() error { return server.Start(groupCtx) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("autotipd 已退出")
	return nil
}
