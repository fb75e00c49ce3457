// Package dex implements swap tasks against UniswapV2 compatible routers.
package dex

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"MonadFlow/internal/errors"
	"MonadFlow/internal/pipeline"
	"MonadFlow/internal/task"
	"MonadFlow/internal/token"
)

// Defaults applied when a swap does not specify them.
const (
	DefaultSlippageBps = 50
	DefaultDeadline    = 20 * time.Minute
)

const routerJSON = `[
  {"name":"getAmountsOut","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
  {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var router = mustParseABI(routerJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func init() {
	task.RegisterKind("swap", func(params json.RawMessage) (task.Task, error) {
		var p struct {
			Router          string `json:"router"`
			TokenIn         string `json:"token_in"`
			TokenOut        string `json:"token_out"`
			AmountIn        string `json:"amount_in"`
			SlippageBps     int    `json:"slippage_bps,omitempty"`
			DeadlineSeconds int    `json:"deadline_seconds,omitempty"`
			Recipient       string `json:"recipient,omitempty"`
			Wallet          string `json:"wallet,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		for field, addr := range map[string]string{
			"router": p.Router, "token_in": p.TokenIn, "token_out": p.TokenOut,
		} {
			if !common.IsHexAddress(addr) {
				return nil, fmt.Errorf("无效的 %s 地址 %s", field, addr)
			}
		}
		amountIn, ok := new(big.Int).SetString(p.AmountIn, 10)
		if !ok || amountIn.Sign() <= 0 {
			return nil, fmt.Errorf("无效的换入数量 %s", p.AmountIn)
		}
		t := &SwapTask{
			Router:      common.HexToAddress(p.Router),
			TokenIn:     common.HexToAddress(p.TokenIn),
			TokenOut:    common.HexToAddress(p.TokenOut),
			AmountIn:    amountIn,
			SlippageBps: p.SlippageBps,
			Wallet:      p.Wallet,
		}
		if p.DeadlineSeconds > 0 {
			t.Deadline = time.Duration(p.DeadlineSeconds) * time.Second
		}
		if p.Recipient != "" {
			if !common.IsHexAddress(p.Recipient) {
				return nil, fmt.Errorf("无效的收款地址 %s", p.Recipient)
			}
			addr := common.HexToAddress(p.Recipient)
			t.Recipient = &addr
		}
		return t, nil
	})
}

// SwapTask swaps an exact amount of TokenIn for TokenOut through a
// UniswapV2 compatible router. The swap is quoted first and the minimum
// output is derived from the quote and the slippage tolerance. A missing
// allowance produces an approve transaction before the swap itself.
type SwapTask struct {
	Router      common.Address
	TokenIn     common.Address
	TokenOut    common.Address
	AmountIn    *big.Int
	SlippageBps int
	Deadline    time.Duration
	// Recipient 为 nil 时代币回到执行钱包自身。
	Recipient *common.Address
	Wallet    string
}

// Name returns the task kind.
func (t *SwapTask) Name() string { return "swap" }

// Execute quotes, approves when needed, and performs the swap.
func (t *SwapTask) Execute(ctx context.Context, rt *task.Runtime) ([]pipeline.Result, error) {
	w, err := rt.ResolveWallet(t.Wallet)
	if err != nil {
		return nil, err
	}
	path := []common.Address{t.TokenIn, t.TokenOut}

	quote, err := t.quote(ctx, rt, path)
	if err != nil {
		return nil, err
	}
	minOut := applySlippage(quote, t.slippageBps())
	if minOut.Sign() <= 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			fmt.Sprintf("报价 %s 过低，无法满足滑点保护", quote))
	}

	var out []pipeline.Result

	allowance, err := token.NewERC20(rt.Conn, t.TokenIn).Allowance(ctx, w.Address, t.Router)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(t.AmountIn) < 0 {
		data, err := token.PackApprove(t.Router, token.MaxUint256)
		if err != nil {
			return nil, err
		}
		tokenIn := t.TokenIn
		res, err := rt.Tx.Execute(ctx, pipeline.Request{
			From: w.Name,
			To:   &tokenIn,
			Data: data,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
		if res.Status != pipeline.StatusConfirmed {
			return out, res.Err
		}
	}

	recipient := w.Address
	if t.Recipient != nil {
		recipient = *t.Recipient
	}
	deadline := time.Now().Add(t.deadline()).Unix()
	data, err := router.Pack("swapExactTokensForTokens",
		t.AmountIn, minOut, path, recipient, big.NewInt(deadline))
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidArgument, "编码 swap 调用失败", err)
	}
	routerAddr := t.Router
	res, err := rt.Tx.Execute(ctx, pipeline.Request{
		From: w.Name,
		To:   &routerAddr,
		Data: data,
	})
	if err != nil {
		return out, err
	}
	out = append(out, *res)
	if res.Status != pipeline.StatusConfirmed {
		return out, res.Err
	}
	return out, nil
}

// quote asks the router how much TokenOut the input amount buys.
func (t *SwapTask) quote(ctx context.Context, rt *task.Runtime, path []common.Address) (*big.Int, error) {
	data, err := router.Pack("getAmountsOut", t.AmountIn, path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidArgument, "编码报价调用失败", err)
	}
	routerAddr := t.Router
	raw, err := rt.Conn.CallContract(ctx, gethcore.CallMsg{To: &routerAddr, Data: data})
	if err != nil {
		return nil, err
	}
	decoded, err := router.Unpack("getAmountsOut", raw)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnknown, "解码报价结果失败", err)
	}
	if len(decoded) == 0 {
		return nil, errors.New(errors.CodeUnknown, "报价结果为空")
	}
	amounts, ok := decoded[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return nil, errors.New(errors.CodeUnknown, "报价结果类型异常")
	}
	return amounts[len(amounts)-1], nil
}

func (t *SwapTask) slippageBps() int {
	if t.SlippageBps > 0 {
		return t.SlippageBps
	}
	return DefaultSlippageBps
}

func (t *SwapTask) deadline() time.Duration {
	if t.Deadline > 0 {
		return t.Deadline
	}
	return DefaultDeadline
}

// applySlippage reduces the quoted output by the tolerance in basis points.
func applySlippage(quote *big.Int, bps int) *big.Int {
	out := new(big.Int).Mul(quote, big.NewInt(int64(10_000-bps)))
	return out.Div(out, big.NewInt(10_000))
}
