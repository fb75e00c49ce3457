package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newNetworksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "列出已注册的网络",
		Long: `networks 输出内置网络与 networks.yaml 中定义的网络，
默认网络以 * 标记。

示例:
  monadflowd networks
  monadflowd networks --config configs/monadflow.json`,
		RunE: runNetworks,
	}
}

func runNetworks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := openRegistry(cfg)
	if err != nil {
		return err
	}

	defaultName := registry.Default()
	fmt.Printf("  %-12s %-10s %-40s %s\n", "NAME", "CHAIN ID", "RPC", "DESCRIPTION")
	for _, net := range registry.List() {
		marker := " "
		if net.Name == defaultName {
			marker = "*"
		}
		fmt.Printf("%s %-12s %-10d %-40s %s\n", marker, net.Name, net.ChainID, net.RPCURL, net.Description)
	}
	return nil
}
