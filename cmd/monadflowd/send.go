package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"MonadFlow/internal/job"
	"MonadFlow/internal/runner"
	"MonadFlow/internal/task"
)

func newSendCmd() *cobra.Command {
	var (
		to        string
		amount    string
		tokenAddr string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "发送原生代币或 ERC-20 代币",
		Long: `send 同步执行一笔转账并等待确认。--token 给出 ERC-20 合约
地址时对合约发起 transfer 调用，否则发送原生代币。数量一律使用
最小单位 (原生代币为 wei)。

示例:
  monadflowd send --to 0xabc... --amount 100000000000000000
  monadflowd send --to 0xabc... --amount 5000000 --token 0xdef... --wallet hot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx, true)
			if err != nil {
				return err
			}
			run := runner.New(env.networks, env.wallets, env.cfg)
			defer run.Close()

			params := map[string]string{"to": to, "amount": amount}
			if tokenAddr != "" {
				params["token"] = tokenAddr
			}
			raw, err := json.Marshal(params)
			if err != nil {
				return err
			}

			res, err := run.Execute(ctx, job.Request{
				Network: flagNetwork,
				Wallet:  flagWallet,
				Task:    task.Spec{Type: "transfer", Params: raw},
			})
			printTaskResult(res)
			return err
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "收款地址")
	cmd.Flags().StringVar(&amount, "amount", "", "转账数量 (最小单位)")
	cmd.Flags().StringVar(&tokenAddr, "token", "", "ERC-20 合约地址 (留空发送原生代币)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
