package task

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"MonadFlow/internal/pipeline"
	"MonadFlow/internal/token"
)

func init() {
	RegisterKind("approve", func(params json.RawMessage) (Task, error) {
		var p struct {
			Token   string `json:"token"`
			Spender string `json:"spender"`
			Amount  string `json:"amount,omitempty"`
			Wallet  string `json:"wallet,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if !common.IsHexAddress(p.Token) {
			return nil, fmt.Errorf("无效的代币地址 %s", p.Token)
		}
		if !common.IsHexAddress(p.Spender) {
			return nil, fmt.Errorf("无效的授权对象地址 %s", p.Spender)
		}
		t := &ApproveTask{
			Token:   common.HexToAddress(p.Token),
			Spender: common.HexToAddress(p.Spender),
			Wallet:  p.Wallet,
		}
		if p.Amount != "" {
			amount, ok := new(big.Int).SetString(p.Amount, 10)
			if !ok || amount.Sign() < 0 {
				return nil, fmt.Errorf("无效的授权数量 %s", p.Amount)
			}
			t.Amount = amount
		}
		return t, nil
	})
}

// ApproveTask 对代币合约发起 approve 调用。Amount 为 nil 时授权
// 无上限额度。
type ApproveTask struct {
	Token   common.Address
	Spender common.Address
	Amount  *big.Int
	Wallet  string
}

// Name 返回任务类型名。
func (t *ApproveTask) Name() string { return "approve" }

// Execute 执行授权并等待确认。
func (t *ApproveTask) Execute(ctx context.Context, rt *Runtime) ([]pipeline.Result, error) {
	amount := t.Amount
	if amount == nil {
		amount = token.MaxUint256
	}
	data, err := token.PackApprove(t.Spender, amount)
	if err != nil {
		return nil, err
	}
	tokenAddr := t.Token
	res, err := rt.Tx.Execute(ctx, pipeline.Request{
		From: t.from(rt),
		To:   &tokenAddr,
		Data: data,
	})
	if err != nil {
		return nil, err
	}
	out := []pipeline.Result{*res}
	if res.Status != pipeline.StatusConfirmed {
		return out, res.Err
	}
	return out, nil
}

func (t *ApproveTask) from(rt *Runtime) string {
	if t.Wallet != "" {
		return t.Wallet
	}
	return rt.WalletName()
}
