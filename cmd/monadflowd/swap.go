package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"MonadFlow/internal/errors"
	"MonadFlow/internal/job"
	"MonadFlow/internal/runner"
	"MonadFlow/internal/task"
)

func newSwapCmd() *cobra.Command {
	var (
		router          string
		tokenIn         string
		tokenOut        string
		amountIn        string
		slippageBps     int
		deadlineSeconds int
		recipient       string
	)
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "通过 UniswapV2 兼容路由交换代币",
		Long: `swap 先向路由合约询价，按滑点保护计算最小输出，必要时先
发送 approve，再执行 swapExactTokensForTokens 并等待确认。
路由地址默认取配置 contracts.dex_router。

示例:
  monadflowd swap --token-in 0xaaa... --token-out 0xbbb... --amount-in 1000000
  monadflowd swap --router 0xccc... --token-in 0xaaa... --token-out 0xbbb... \
      --amount-in 1000000 --slippage-bps 100 --wallet hot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx, true)
			if err != nil {
				return err
			}
			if router == "" {
				router = env.cfg.Contracts.DexRouter
			}
			if router == "" {
				return errors.New(errors.CodeInvalidArgument,
					"未指定路由合约，使用 --router 或配置 contracts.dex_router")
			}
			run := runner.New(env.networks, env.wallets, env.cfg)
			defer run.Close()

			params := map[string]any{
				"router":    router,
				"token_in":  tokenIn,
				"token_out": tokenOut,
				"amount_in": amountIn,
			}
			if slippageBps > 0 {
				params["slippage_bps"] = slippageBps
			}
			if deadlineSeconds > 0 {
				params["deadline_seconds"] = deadlineSeconds
			}
			if recipient != "" {
				params["recipient"] = recipient
			}
			raw, err := json.Marshal(params)
			if err != nil {
				return err
			}

			res, err := run.Execute(ctx, job.Request{
				Network: flagNetwork,
				Wallet:  flagWallet,
				Task:    task.Spec{Type: "swap", Params: raw},
			})
			printTaskResult(res)
			return err
		},
	}
	cmd.Flags().StringVar(&router, "router", "", "UniswapV2 兼容路由合约地址")
	cmd.Flags().StringVar(&tokenIn, "token-in", "", "卖出代币合约地址")
	cmd.Flags().StringVar(&tokenOut, "token-out", "", "买入代币合约地址")
	cmd.Flags().StringVar(&amountIn, "amount-in", "", "卖出数量 (最小单位)")
	cmd.Flags().IntVar(&slippageBps, "slippage-bps", 0, "滑点保护，基点 (默认 50)")
	cmd.Flags().IntVar(&deadlineSeconds, "deadline-seconds", 0, "交易截止时间，秒 (默认 1200)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "代币接收地址 (默认执行钱包)")
	_ = cmd.MarkFlagRequired("token-in")
	_ = cmd.MarkFlagRequired("token-out")
	_ = cmd.MarkFlagRequired("amount-in")
	return cmd
}
