package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"MonadFlow/internal/chain"
	"MonadFlow/internal/errors"
	"MonadFlow/internal/pipeline"
	"MonadFlow/internal/wallet"
)

// CodePanic 标记任务执行过程中发生的 panic。
const CodePanic = errors.Code("TASK_PANIC")

func init() {
	errors.Register(CodePanic, errors.Attributes{
		Message:  "task panicked",
		Severity: errors.SeverityCritical,
		Alert:    true,
	})
}

// TxRunner 是任务可用的交易执行界面，由交易流水线实现。
type TxRunner interface {
	// Execute 执行一笔交易直至终态。
	Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	// WaitMined 重新轮询一笔已广播交易的回执。
	WaitMined(ctx context.Context, hash common.Hash) (*pipeline.Result, error)
}

// Runtime 汇集任务执行时可用的资源。Wallet 是本次运行绑定的
// 执行钱包，任务可以通过自身参数覆盖并经 Wallets 解析。
type Runtime struct {
	Conn    chain.Conn
	Wallet  *wallet.Wallet
	Wallets *wallet.Store
	Tx      TxRunner
	Log     *slog.Logger
}

// WalletName 返回运行时钱包名称，未绑定时为空。
func (rt *Runtime) WalletName() string {
	if rt == nil || rt.Wallet == nil {
		return ""
	}
	return rt.Wallet.Name
}

// ResolveWallet 返回名称对应的钱包，名称为空时返回运行时钱包。
func (rt *Runtime) ResolveWallet(name string) (*wallet.Wallet, error) {
	if name == "" || (rt.Wallet != nil && name == rt.Wallet.Name) {
		if rt.Wallet == nil {
			return nil, errors.New(errors.CodeInvalidArgument, "未指定执行钱包")
		}
		return rt.Wallet, nil
	}
	if rt.Wallets == nil {
		return nil, errors.New(errors.CodeInvalidArgument,
			fmt.Sprintf("无法解析钱包 %s", name))
	}
	return rt.Wallets.Get(name)
}

// Task 是一个可执行的链上自动化单元。Execute 返回其间产生的
// 全部交易结果；返回 error 表示任务失败。实现应当是纯参数对象，
// 运行所需的资源全部来自 Runtime。
type Task interface {
	Name() string
	Execute(ctx context.Context, rt *Runtime) ([]pipeline.Result, error)
}

// Result 汇总一次任务运行的结果，可直接序列化进任务存储。
type Result struct {
	Task      string            `json:"task"`
	Succeeded bool              `json:"succeeded"`
	Error     string            `json:"error,omitempty"`
	Txs       []pipeline.Result `json:"txs,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	ElapsedMS int64             `json:"elapsed_ms"`
}

// Run 执行任务并拦截 panic，保证单个任务的崩溃不会拖垮运行器。
// 返回的 Result 总是非 nil。
func Run(ctx context.Context, t Task, rt *Runtime) (res *Result, err error) {
	started := time.Now()
	res = &Result{Task: t.Name(), StartedAt: started.UTC()}
	defer func() {
		res.ElapsedMS = time.Since(started).Milliseconds()
		if r := recover(); r != nil {
			err = errors.New(CodePanic,
				fmt.Sprintf("任务 %s 发生 panic: %v", t.Name(), r))
			res.Succeeded = false
			res.Error = err.Error()
		}
	}()

	txs, execErr := t.Execute(ctx, rt)
	res.Txs = txs
	if execErr != nil {
		res.Error = execErr.Error()
		return res, execErr
	}
	res.Succeeded = true
	return res, nil
}
