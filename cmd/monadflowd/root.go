package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"MonadFlow/internal/config"
	"MonadFlow/internal/errors"
	"MonadFlow/internal/network"
	"MonadFlow/internal/task"
	"MonadFlow/internal/wallet"
	"MonadFlow/pkg/logger"
)

// 全局标志，作用于所有子命令。
var (
	flagConfig  string
	flagNetwork string
	flagWallet  string
)

// newRootCmd 构建根命令并注册全部子命令。
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monadflowd",
		Short: "Monad 链上自动化守护进程与命令行工具",
		Long: `monadflowd 管理多网络连接、加密钱包仓库与交易流水线，
既可以作为守护进程消费作业队列，也提供一组直接执行的子命令。

示例:
  # 启动作业处理器与本地 REST API
  monadflowd serve

  # 查看当前网络状态
  monadflowd info --network testnet

  # 生成一个新钱包并设为默认
  monadflowd wallet generate hot
  monadflowd wallet set-default hot

  # 发送 0.1 MON (以最小单位计)
  monadflowd send --to 0xabc... --amount 100000000000000000

  # 提交一个异步转账作业并等待完成
  monadflowd job submit --task transfer --params '{"to":"0xabc...","amount":"1000"}' --wait`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "配置文件路径 (默认 configs/monadflow.json)")
	cmd.PersistentFlags().StringVar(&flagNetwork, "network", "", "目标网络名称 (默认取配置)")
	cmd.PersistentFlags().StringVar(&flagWallet, "wallet", "", "签名钱包名称 (默认取仓库默认钱包)")

	cmd.AddCommand(
		newServeCmd(),
		newInfoCmd(),
		newNetworksCmd(),
		newWalletCmd(),
		newSendCmd(),
		newSwapCmd(),
		newJobCmd(),
	)
	return cmd
}

// loadConfig 解析配置文件。--config 优先，其次 MONADFLOW_CONFIG
// 环境变量，最后回退默认路径。--network 标志覆盖默认网络。
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = os.Getenv("MONADFLOW_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if flagNetwork != "" {
		cfg.Network.Default = flagNetwork
	}
	return cfg, nil
}

// openRegistry 依据配置构造网络注册表。
func openRegistry(cfg *config.Config) (*network.Registry, error) {
	return network.NewRegistry(network.Settings{
		Default:       cfg.Network.Default,
		Definitions:   cfg.Network.Definitions,
		LegacyRPCURL:  cfg.Network.LegacyRPCURL,
		LegacyChainID: cfg.Network.LegacyChainID,
	})
}

// cliEnv 聚合一次性命令需要的公共依赖。
type cliEnv struct {
	cfg      *config.Config
	networks *network.Registry
	wallets  *wallet.Store
}

// setupEnv 加载配置并打开网络注册表与钱包仓库。prompt 为 true 时，
// 缺少口令的操作允许在终端上隐藏输入补齐。
func setupEnv(ctx context.Context, prompt bool) (*cliEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := initCLILogger(cfg); err != nil {
		return nil, err
	}

	networks, err := openRegistry(cfg)
	if err != nil {
		return nil, err
	}

	var opts []wallet.Option
	if prompt {
		opts = append(opts, wallet.WithPassphraseFunc(cliPassphrase(cfg)))
	} else if cfg.Wallet.Passphrase != "" {
		opts = append(opts, wallet.WithPassphraseFunc(wallet.StaticPassphrase(cfg.Wallet.Passphrase)))
	}
	wallets, err := wallet.NewStore(cfg.Wallet.Dir, opts...)
	if err != nil {
		return nil, err
	}
	if err := bootstrapDefaultWallet(ctx, cfg, wallets); err != nil {
		return nil, err
	}

	return &cliEnv{cfg: cfg, networks: networks, wallets: wallets}, nil
}

// initCLILogger 初始化诊断日志并定向到标准错误，保持命令的
// 标准输出只包含结果。
func initCLILogger(cfg *config.Config) error {
	logCfg := cfg.Log
	if len(logCfg.Outputs) == 0 {
		logCfg.Outputs = []string{"stderr"}
	}
	return logger.Init(logger.Config{
		Level:       logCfg.Level,
		Format:      logCfg.Format,
		OutputPaths: logCfg.Outputs,
		Journal: logger.JournalConfig{
			Enabled:    logCfg.Journal.Enabled,
			Path:       logCfg.Journal.Path,
			MaxSizeMB:  logCfg.Journal.MaxSizeMB,
			MaxBackups: logCfg.Journal.MaxBackups,
			MaxAgeDays: logCfg.Journal.MaxAgeDays,
		},
	})
}

// bootstrapDefaultWallet 把旧版 PRIVATE_KEY 环境变量中的私钥注册为
// 名为 default 的钱包，保持与单钱包脚本时代的兼容。
func bootstrapDefaultWallet(ctx context.Context, cfg *config.Config, wallets *wallet.Store) error {
	if cfg.Wallet.DefaultKey == "" {
		return nil
	}
	if _, err := wallets.Get("default"); err == nil {
		return nil
	}
	if _, err := wallets.Add(ctx, "default", cfg.Wallet.DefaultKey); err != nil {
		return err
	}
	return nil
}

// cliPassphrase 先用配置或环境变量中的口令，缺失时回退终端提示。
func cliPassphrase(cfg *config.Config) wallet.PassphraseFunc {
	return func(ctx context.Context, name string) (string, error) {
		if cfg.Wallet.Passphrase != "" {
			return cfg.Wallet.Passphrase, nil
		}
		return promptSecret(fmt.Sprintf("钱包 %s 的口令", name))
	}
}

// promptSecret 在终端上读取一段隐藏输入。标准输入不是终端时报错，
// 提示调用方改用 MONADFLOW_WALLET_PASSPHRASE 环境变量。
func promptSecret(label string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New(errors.CodeInvalidArgument,
			"缺少钱包口令且标准输入不是终端，请设置 MONADFLOW_WALLET_PASSPHRASE")
	}
	fmt.Fprintf(os.Stderr, "%s: ", label)
	defer fmt.Fprintln(os.Stderr)

	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", errors.Wrap(errors.CodeInvalidArgument, "读取终端输入失败", err)
	}
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return "", errors.New(errors.CodeInvalidArgument, "输入不能为空")
	}
	return value, nil
}

// resolveWallet 取命名钱包，名称为空时取默认钱包。
func resolveWallet(store *wallet.Store, name string) (*wallet.Wallet, error) {
	if name == "" {
		return store.Default()
	}
	return store.Get(name)
}

// apiBaseURL 把监听地址转成本机可访问的 URL。
func apiBaseURL(cfg *config.Config) string {
	addr := cfg.API.Address
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// printTaskResult 输出任务结果与每笔交易的回执摘要。
func printTaskResult(res *task.Result) {
	if res == nil {
		return
	}
	status := "succeeded"
	if !res.Succeeded {
		status = "failed"
	}
	fmt.Printf("Task:      %s (%s, %d ms)\n", res.Task, status, res.ElapsedMS)
	if res.Error != "" {
		fmt.Printf("Error:     %s\n", res.Error)
	}
	for i, tx := range res.Txs {
		fmt.Printf("Tx[%d]:     %s status=%s block=%d gas=%d attempts=%d\n",
			i, tx.TxHash.Hex(), tx.Status, tx.BlockNumber, tx.GasUsed, tx.Attempts)
	}
}
