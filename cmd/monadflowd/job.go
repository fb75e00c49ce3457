package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"MonadFlow/pkg/client"
)

// jobServer 覆盖作业 API 地址，默认从配置推导。
var jobServer string

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "管理异步自动化作业",
		Long: `job 通过 REST API 与运行中的 monadflowd 交互：提交作业、
查询单个作业、按条件列出作业以及查看状态统计。

示例:
  monadflowd job submit --task transfer --params '{"to":"0xabc...","amount":"1000"}'
  monadflowd job submit --task swap --params @swap.json --wait
  monadflowd job get 3f2a...
  monadflowd job list --status failed --limit 10
  monadflowd job stats`,
	}
	cmd.PersistentFlags().StringVar(&jobServer, "server", "", "monadflowd API 地址 (默认取配置)")

	cmd.AddCommand(
		newJobSubmitCmd(),
		newJobGetCmd(),
		newJobListCmd(),
		newJobStatsCmd(),
	)
	return cmd
}

// jobClient 构造 REST 客户端。
func jobClient() (*client.Client, error) {
	base := jobServer
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base = apiBaseURL(cfg)
	}
	return client.New(base, nil)
}

func newJobSubmitCmd() *cobra.Command {
	var (
		taskType    string
		taskParams  string
		jobID       string
		wait        bool
		waitTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "提交一个作业到队列",
		Long: `submit 将作业提交给守护进程并立即返回作业 ID。--params 接受
内联 JSON，或以 @ 开头的文件路径。--id 给定时提交是幂等的，重复
提交返回已存在的作业。--wait 会阻塞轮询直到作业进入终态。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cli, err := jobClient()
			if err != nil {
				return err
			}

			params, err := readParams(taskParams)
			if err != nil {
				return err
			}
			created, err := cli.SubmitJob(ctx, client.JobSubmission{
				ID:      jobID,
				Network: flagNetwork,
				Wallet:  flagWallet,
				Task:    client.TaskSpec{Type: taskType, Params: params},
			})
			if err != nil {
				return err
			}
			fmt.Printf("作业 %s 已入队 (status=%s)\n", created.ID, created.Status)
			if !wait {
				return nil
			}

			final, err := waitForJob(ctx, cli, created.ID, waitTimeout)
			if err != nil {
				return err
			}
			printJob(final)
			if final.Status != "succeeded" {
				return fmt.Errorf("作业 %s 以 %s 结束: %s", final.ID, final.Status, final.LastError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "task", "", "任务类型 (transfer/swap/approve/...)")
	cmd.Flags().StringVar(&taskParams, "params", "", "任务参数 JSON，@file 从文件读取")
	cmd.Flags().StringVar(&jobID, "id", "", "幂等作业 ID (留空自动生成)")
	cmd.Flags().BoolVar(&wait, "wait", false, "阻塞等待作业进入终态")
	cmd.Flags().DurationVar(&waitTimeout, "timeout", 5*time.Minute, "--wait 的最长等待时间")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newJobGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "查询单个作业",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := jobClient()
			if err != nil {
				return err
			}
			j, err := cli.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(j)
			return nil
		},
	}
}

func newJobListCmd() *cobra.Command {
	var (
		statuses []string
		limit    int
		offset   int
		query    string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "按条件列出作业",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := jobClient()
			if err != nil {
				return err
			}
			jobs, err := cli.ListJobs(cmd.Context(), client.ListOptions{
				Limit:    limit,
				Offset:   offset,
				Statuses: statuses,
				Query:    query,
			})
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("没有匹配的作业")
				return nil
			}
			fmt.Printf("%-36s %-10s %-10s %-10s %-9s %s\n",
				"ID", "STATUS", "TASK", "NETWORK", "ATTEMPTS", "UPDATED")
			for _, j := range jobs {
				fmt.Printf("%-36s %-10s %-10s %-10s %4d/%-4d %s\n",
					j.ID, j.Status, j.Task.Type, j.Network, j.Attempts, j.MaxRetries,
					time.Unix(j.UpdatedAt, 0).Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "状态过滤 (pending/running/succeeded/failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "返回条数上限")
	cmd.Flags().IntVar(&offset, "offset", 0, "跳过条数")
	cmd.Flags().StringVar(&query, "query", "", "按 ID、网络、钱包、任务类型或错误模糊匹配")
	return cmd
}

func newJobStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "查看作业状态统计",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := jobClient()
			if err != nil {
				return err
			}
			stats, err := cli.JobStats(cmd.Context(), client.ListOptions{})
			if err != nil {
				return err
			}
			fmt.Printf("Total:     %d\n", stats.Total)
			fmt.Printf("Pending:   %d\n", stats.Pending)
			fmt.Printf("Running:   %d\n", stats.Running)
			fmt.Printf("Succeeded: %d\n", stats.Succeeded)
			fmt.Printf("Failed:    %d\n", stats.Failed)
			if stats.NewestUpdatedAt > 0 {
				fmt.Printf("Newest:    %s\n", time.Unix(stats.NewestUpdatedAt, 0).Format(time.RFC3339))
				fmt.Printf("Oldest:    %s\n", time.Unix(stats.OldestUpdatedAt, 0).Format(time.RFC3339))
			}
			return nil
		},
	}
}

// readParams 解析 --params 的值，@ 前缀表示从文件读取。
func readParams(value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	data := []byte(value)
	if value[0] == '@' {
		content, err := os.ReadFile(value[1:])
		if err != nil {
			return nil, fmt.Errorf("读取参数文件失败: %w", err)
		}
		data = content
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("任务参数不是合法的 JSON")
	}
	return json.RawMessage(data), nil
}

// waitForJob 轮询作业直到终态或超时。
func waitForJob(ctx context.Context, cli *client.Client, id string, timeout time.Duration) (*client.Job, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		j, err := cli.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status == "succeeded" || j.Status == "failed" {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("等待作业 %s 超时 (当前状态 %s)", id, j.Status)
		case <-ticker.C:
		}
	}
}

// printJob 输出作业详情。
func printJob(j *client.Job) {
	if j == nil {
		return
	}
	fmt.Printf("ID:        %s\n", j.ID)
	fmt.Printf("Status:    %s (attempts %d/%d)\n", j.Status, j.Attempts, j.MaxRetries)
	fmt.Printf("Task:      %s\n", j.Task.Type)
	if j.Network != "" {
		fmt.Printf("Network:   %s\n", j.Network)
	}
	if j.Wallet != "" {
		fmt.Printf("Wallet:    %s\n", j.Wallet)
	}
	if j.LastError != "" {
		fmt.Printf("Error:     [%s] %s\n", j.ErrorCode, j.LastError)
	}
	if j.Result != nil {
		for i, tx := range j.Result.Txs {
			fmt.Printf("Tx[%d]:     %s status=%s block=%d gas=%d\n",
				i, tx.TxHash, tx.Status, tx.BlockNumber, tx.GasUsed)
		}
	}
	fmt.Printf("Updated:   %s\n", time.Unix(j.UpdatedAt, 0).Format(time.RFC3339))
}
