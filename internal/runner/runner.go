package runner

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	"MonadFlow/internal/chain"
	"MonadFlow/internal/config"
	"MonadFlow/internal/job"
	"MonadFlow/internal/network"
	"MonadFlow/internal/pipeline"
	"MonadFlow/internal/task"
	"MonadFlow/internal/wallet"
	"MonadFlow/pkg/logger"

	_ "MonadFlow/internal/task/dex"
	_ "MonadFlow/internal/task/nft"
)

// Runner 将排队的作业解析为可执行的任务：确定网络、复用链连接、
// 绑定钱包并运行任务描述。每个网络只拨号一次，链连接与交易流水线
// 在作业之间共享，同一地址的 nonce 分配因此全局串行。
type Runner struct {
	networks *network.Registry
	wallets  *wallet.Store
	cfg      *config.Config
	log      *slog.Logger

	mu     sync.Mutex
	chains map[string]*boundChain
}

type boundChain struct {
	conn chain.Conn
	pipe *pipeline.Pipeline
}

// New 构造 Runner。
func New(networks *network.Registry, wallets *wallet.Store, cfg *config.Config) *Runner {
	return &Runner{
		networks: networks,
		wallets:  wallets,
		cfg:      cfg,
		log:      logger.Named("runner"),
		chains:   make(map[string]*boundChain),
	}
}

// Execute 实现 job.Executor。返回的错误保留原始错误码，作业层据此
// 判断是否重试。
func (r *Runner) Execute(ctx context.Context, req job.Request) (*task.Result, error) {
	netCfg, err := r.networks.Resolve(req.Network)
	if err != nil {
		return nil, err
	}
	bound, err := r.bind(ctx, netCfg)
	if err != nil {
		return nil, err
	}
	w, err := r.resolveWallet(ctx, req.Wallet)
	if err != nil {
		return nil, err
	}
	t, err := req.Task.Build()
	if err != nil {
		return nil, err
	}

	rt := &task.Runtime{
		Conn:    bound.conn,
		Wallet:  w,
		Wallets: r.wallets,
		Tx:      bound.pipe,
		Log: r.log.With(
			slog.String("network", netCfg.Name),
			slog.String("task", t.Name()),
		),
	}
	r.log.Debug("开始执行任务",
		slog.String("network", netCfg.Name),
		slog.String("wallet", w.Name),
		slog.String("task", t.Name()),
	)
	return task.Run(ctx, t, rt)
}

// bind 返回网络对应的链连接与流水线，必要时建立连接。
func (r *Runner) bind(ctx context.Context, cfg network.Config) (*boundChain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bound, ok := r.chains[cfg.Name]; ok {
		return bound, nil
	}
	conn, err := chain.Dial(ctx, cfg, chain.WithTimeout(r.cfg.Tx.RequestTimeout()))
	if err != nil {
		return nil, err
	}
	pipe := pipeline.New(conn, r.wallets,
		pipeline.WithGasConfig(r.gasConfig(cfg)),
		pipeline.WithRetryPolicy(r.retryPolicy()),
		pipeline.WithConfirmation(r.cfg.Tx.ConfirmTimeout(), r.cfg.Tx.ConfirmInterval()),
	)
	bound := &boundChain{conn: conn, pipe: pipe}
	r.chains[cfg.Name] = bound
	return bound, nil
}

func (r *Runner) resolveWallet(_ context.Context, name string) (*wallet.Wallet, error) {
	if name == "" {
		return r.wallets.Default()
	}
	return r.wallets.Get(name)
}

// gasConfig 将全局 gas 配置与网络定义中的覆盖项合并。网络定义的
// gas_price 视为该网络的固定价格。
func (r *Runner) gasConfig(cfg network.Config) pipeline.GasConfig {
	gas := pipeline.GasConfig{
		LimitCap:           r.cfg.Gas.Limit,
		EstimateMultiplier: r.cfg.Gas.EstimateMultiplier,
		PriceMultiplier:    r.cfg.Gas.PriceMultiplier,
	}
	if cfg.GasLimit > 0 {
		gas.LimitCap = cfg.GasLimit
	}
	switch {
	case cfg.GasPrice > 0:
		gas.Price = new(big.Int).SetUint64(cfg.GasPrice)
	case r.cfg.Gas.Fixed:
		gas.Price = new(big.Int).SetUint64(r.cfg.Gas.Price)
	}
	return gas
}

func (r *Runner) retryPolicy() pipeline.Policy {
	policy := pipeline.DefaultPolicy()
	if r.cfg.Tx.MaxRetries > 0 {
		policy.MaxAttempts = r.cfg.Tx.MaxRetries
	}
	if d := r.cfg.Tx.RetryDelay(); d > 0 {
		policy.BaseDelay = d
	}
	if r.cfg.Tx.RetryBackoff > 0 {
		policy.BackoffFactor = r.cfg.Tx.RetryBackoff
	}
	return policy
}

// Pipeline 返回指定网络的流水线，供 CLI 直接执行交易时复用。
// 网络名为空时使用默认网络。
func (r *Runner) Pipeline(ctx context.Context, name string) (*pipeline.Pipeline, error) {
	cfg, err := r.networks.Resolve(name)
	if err != nil {
		return nil, err
	}
	bound, err := r.bind(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return bound.pipe, nil
}

// Close 断开所有已建立的链连接。
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, bound := range r.chains {
		bound.conn.Close()
		delete(r.chains, name)
	}
}

var _ job.Executor = (*Runner)(nil)
