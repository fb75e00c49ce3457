package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"MonadFlow/internal/chain"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "显示目标网络的链上状态",
		Long: `info 连接目标网络并输出链 ID、最新区块高度与建议 gas 价格。
钱包仓库非空时同时输出默认钱包 (或 --wallet 指定钱包) 的余额。

示例:
  monadflowd info
  monadflowd info --network mainnet`,
		RunE: runInfo,
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := setupEnv(ctx, false)
	if err != nil {
		return err
	}

	netCfg, err := env.networks.Resolve(flagNetwork)
	if err != nil {
		return err
	}
	conn, err := chain.Dial(ctx, netCfg, chain.WithTimeout(env.cfg.Tx.RequestTimeout()))
	if err != nil {
		return err
	}
	defer conn.Close()

	block, err := conn.BlockNumber(ctx)
	if err != nil {
		return err
	}
	price, err := conn.GasPrice(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Network:   %s (chain id %d)\n", netCfg.Name, conn.ChainID())
	fmt.Printf("RPC:       %s\n", netCfg.RPCURL)
	fmt.Printf("Block:     %d\n", block)
	fmt.Printf("Gas price: %s wei\n", price)

	// 余额查询失败不阻断命令，网络状态本身已经输出。
	if w, werr := resolveWallet(env.wallets, flagWallet); werr == nil {
		if bal, berr := conn.Balance(ctx, w.Address); berr == nil {
			fmt.Printf("Wallet:    %s (%s)\n", w.Name, w.Address.Hex())
			fmt.Printf("Balance:   %s wei\n", bal)
		}
	}
	return nil
}
