package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"MonadFlow/internal/api"
	"MonadFlow/internal/config"
	"MonadFlow/internal/job"
	"MonadFlow/internal/observability/alerting"
	"MonadFlow/internal/runner"
	"MonadFlow/internal/wallet"
	"MonadFlow/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动作业处理器与本地 REST API",
		Long: `serve 以守护进程方式运行：从队列消费作业、执行链上任务，
并在配置的地址上提供 REST 接口。收到 SIGINT/SIGTERM 后优雅退出。

示例:
  monadflowd serve
  monadflowd serve --config configs/monadflow.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Journal: logger.JournalConfig{
			Enabled:    cfg.Log.Journal.Enabled,
			Path:       cfg.Log.Journal.Path,
			MaxSizeMB:  cfg.Log.Journal.MaxSizeMB,
			MaxBackups: cfg.Log.Journal.MaxBackups,
			MaxAgeDays: cfg.Log.Journal.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	networks, err := openRegistry(cfg)
	if err != nil {
		return err
	}

	passFn, err := servePassphrase(cfg)
	if err != nil {
		return err
	}
	wallets, err := wallet.NewStore(cfg.Wallet.Dir, wallet.WithPassphraseFunc(passFn))
	if err != nil {
		return err
	}
	if err := bootstrapDefaultWallet(ctx, cfg, wallets); err != nil {
		return err
	}

	store := job.NewMemoryStore()
	defer func() {
		_ = store.Close()
	}()

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭作业队列失败", slog.Any("error", err))
		}
	}()

	run := runner.New(networks, wallets, cfg)
	defer run.Close()

	service := job.NewService(store, queue, cfg.Runner.JobRetries)

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	processor := job.NewProcessor(run, store, queue, queue,
		job.WithWorkerCount(cfg.Runner.Workers),
		job.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !stdErrors.Is(err, context.Canceled) {
			logger.L().Error("作业处理器异常退出", slog.Any("error", err))
		}
	}()

	logger.L().Info("monadflowd 已启动",
		slog.String("address", cfg.API.Address),
		slog.String("network", cfg.Network.Default),
		slog.String("queue", cfg.Runner.Queue.Driver),
		slog.Int("workers", cfg.Runner.Workers),
	)

	server := api.NewServer(cfg.API.Address, service)
	if err := server.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// servePassphrase 在启动阶段确定口令来源。配置与环境变量缺省且
// 标准输入是终端时提示一次，之后固定使用该口令；非交互环境下留空，
// 由钱包仓库在签名时从环境变量读取。
func servePassphrase(cfg *config.Config) (wallet.PassphraseFunc, error) {
	if cfg.Wallet.Passphrase != "" {
		return wallet.StaticPassphrase(cfg.Wallet.Passphrase), nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, nil
	}
	pass, err := promptSecret("钱包口令")
	if err != nil {
		return nil, err
	}
	return wallet.StaticPassphrase(pass), nil
}

// buildQueue 依据配置构造作业队列。
func buildQueue(cfg *config.Config) (job.Queue, error) {
	q := cfg.Runner.Queue
	switch q.Driver {
	case "", "memory":
		return job.NewMemoryQueue(1024), nil
	case "redis":
		return job.NewRedisQueue(job.RedisQueueConfig{
			Address:   q.Redis.Address,
			Password:  q.Redis.Password,
			DB:        q.Redis.DB,
			Queue:     q.Redis.Queue,
			BlockWait: time.Duration(q.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        q.RabbitMQ.URL,
			Queue:      q.RabbitMQ.Queue,
			Prefetch:   q.RabbitMQ.Prefetch,
			Durable:    q.RabbitMQ.Durable,
			AutoDelete: q.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", q.Driver)
	}
}
