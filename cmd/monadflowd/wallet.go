package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"MonadFlow/internal/chain"
)

func newWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "管理加密钱包仓库",
		Long: `wallet 管理磁盘上的钱包仓库。私钥以 keystore v3 加密保存，
口令来自 MONADFLOW_WALLET_PASSPHRASE 环境变量，缺省时在终端隐藏输入。

示例:
  monadflowd wallet list
  monadflowd wallet generate hot
  monadflowd wallet add ops --key 0x...
  monadflowd wallet add treasury --watch 0xabc...
  monadflowd wallet set-default hot
  monadflowd wallet balance hot`,
	}

	cmd.AddCommand(
		newWalletListCmd(),
		newWalletAddCmd(),
		newWalletGenerateCmd(),
		newWalletRemoveCmd(),
		newWalletSetDefaultCmd(),
		newWalletBalanceCmd(),
	)
	return cmd
}

func newWalletListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出仓库中的所有钱包",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setupEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			ws, err := env.wallets.List()
			if err != nil {
				return err
			}
			if len(ws) == 0 {
				fmt.Println("钱包仓库为空，使用 wallet generate 或 wallet add 创建钱包")
				return nil
			}
			fmt.Printf("  %-16s %-44s %-8s %s\n", "NAME", "ADDRESS", "TYPE", "CREATED")
			for _, w := range ws {
				marker := " "
				if w.Default {
					marker = "*"
				}
				kind := "signing"
				if w.WatchOnly {
					kind = "watch"
				}
				fmt.Printf("%s %-16s %-44s %-8s %s\n",
					marker, w.Name, w.Address.Hex(), kind, w.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newWalletAddCmd() *cobra.Command {
	var (
		hexKey    string
		watchAddr string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "导入私钥或添加观察地址",
		Long: `add 以给定名称导入一个钱包。--key 提供十六进制私钥，
留空时在终端隐藏输入，避免私钥进入 shell 历史。--watch 改为添加
一个只读的观察地址，观察钱包无法签名。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]
			env, err := setupEnv(ctx, true)
			if err != nil {
				return err
			}
			if watchAddr != "" {
				w, err := env.wallets.AddWatchOnly(name, watchAddr)
				if err != nil {
					return err
				}
				fmt.Printf("已添加观察钱包 %s (%s)\n", w.Name, w.Address.Hex())
				return nil
			}
			if hexKey == "" {
				hexKey, err = promptSecret(fmt.Sprintf("钱包 %s 的私钥", name))
				if err != nil {
					return err
				}
			}
			w, err := env.wallets.Add(ctx, name, hexKey)
			if err != nil {
				return err
			}
			fmt.Printf("已导入钱包 %s (%s)\n", w.Name, w.Address.Hex())
			if w.Default {
				fmt.Println("该钱包已自动成为默认钱包")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&hexKey, "key", "", "十六进制私钥 (留空时终端输入)")
	cmd.Flags().StringVar(&watchAddr, "watch", "", "添加观察地址而非私钥")
	return cmd
}

func newWalletGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <name>",
		Short: "生成一个新钱包",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx, true)
			if err != nil {
				return err
			}
			w, err := env.wallets.Generate(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("已生成钱包 %s (%s)\n", w.Name, w.Address.Hex())
			if w.Default {
				fmt.Println("该钱包已自动成为默认钱包")
			}
			return nil
		},
	}
}

func newWalletRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "从仓库中删除钱包",
		Long: `remove 删除钱包文件。私钥随之销毁且无法恢复，
删除前请确认已备份。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setupEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := env.wallets.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("已删除钱包 %s\n", args[0])
			return nil
		},
	}
}

func newWalletSetDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-default <name>",
		Short: "设置默认钱包",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setupEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := env.wallets.SetDefault(args[0]); err != nil {
				return err
			}
			fmt.Printf("默认钱包已切换为 %s\n", args[0])
			return nil
		},
	}
}

func newWalletBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [name]",
		Short: "查询钱包的原生代币余额",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setupEnv(ctx, false)
			if err != nil {
				return err
			}
			name := flagWallet
			if len(args) == 1 {
				name = args[0]
			}
			w, err := resolveWallet(env.wallets, name)
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

			bal, err := conn.Balance(ctx, w.Address)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s) 在 %s 上的余额: %s wei\n", w.Name, w.Address.Hex(), netCfg.Name, bal)
			return nil
		},
	}
}
