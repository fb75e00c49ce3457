package task

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"MonadFlow/internal/errors"
	"MonadFlow/internal/pipeline"
	"MonadFlow/internal/token"
)

func init() {
	RegisterKind("transfer", func(params json.RawMessage) (Task, error) {
		var p struct {
			To     string `json:"to"`
			Amount string `json:"amount"`
			Token  string `json:"token,omitempty"`
			Wallet string `json:"wallet,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if !common.IsHexAddress(p.To) {
			return nil, fmt.Errorf("无效的收款地址 %s", p.To)
		}
		amount, ok := new(big.Int).SetString(p.Amount, 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("无效的转账数量 %s", p.Amount)
		}
		t := &TransferTask{
			To:     common.HexToAddress(p.To),
			Amount: amount,
			Wallet: p.Wallet,
		}
		if p.Token != "" {
			if !common.IsHexAddress(p.Token) {
				return nil, fmt.Errorf("无效的代币地址 %s", p.Token)
			}
			addr := common.HexToAddress(p.Token)
			t.Token = &addr
		}
		return t, nil
	})
}

// TransferTask 发送原生代币或 ERC-20 代币。Token 为 nil 时走原生
// 转账，否则对代币合约发起 transfer 调用。数量单位是最小单位。
type TransferTask struct {
	To     common.Address
	Amount *big.Int
	Token  *common.Address
	Wallet string
}

// Name 返回任务类型名。
func (t *TransferTask) Name() string { return "transfer" }

// Execute 执行转账并等待确认。
func (t *TransferTask) Execute(ctx context.Context, rt *Runtime) ([]pipeline.Result, error) {
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "转账数量必须大于 0")
	}
	req := pipeline.Request{From: t.from(rt)}
	if t.Token == nil {
		to := t.To
		req.To = &to
		req.Value = t.Amount
	} else {
		data, err := token.PackTransfer(t.To, t.Amount)
		if err != nil {
			return nil, err
		}
		req.To = t.Token
		req.Data = data
	}

	res, err := rt.Tx.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	out := []pipeline.Result{*res}
	if res.Status != pipeline.StatusConfirmed {
		return out, res.Err
	}
	return out, nil
}

func (t *TransferTask) from(rt *Runtime) string {
	if t.Wallet != "" {
		return t.Wallet
	}
	return rt.WalletName()
}
