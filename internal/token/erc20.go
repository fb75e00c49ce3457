package token

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"MonadFlow/internal/chain"
	"MonadFlow/internal/errors"
)

// MaxUint256 is the unlimited allowance sentinel used by approve flows.
var MaxUint256 = math.MaxBig256

const erc20JSON = `[
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var erc20 = mustParseABI(erc20JSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ERC20 provides read access to a token contract through a chain connection.
type ERC20 struct {
	conn chain.Conn
	addr common.Address
}

// NewERC20 binds the helper to a token contract address.
func NewERC20(conn chain.Conn, addr common.Address) *ERC20 {
	return &ERC20{conn: conn, addr: addr}
}

// Address returns the bound contract address.
func (t *ERC20) Address() common.Address {
	return t.addr
}

// BalanceOf returns the token balance of the owner.
func (t *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return asBig(out, "balanceOf")
}

// Decimals returns the token's decimal places.
func (t *ERC20) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, errors.New(errors.CodeUnknown, "decimals 返回值为空")
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, errors.New(errors.CodeUnknown, "decimals 返回值类型异常")
	}
	return decimals, nil
}

// Symbol returns the token's display symbol.
func (t *ERC20) Symbol(ctx context.Context) (string, error) {
	out, err := t.call(ctx, "symbol")
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", errors.New(errors.CodeUnknown, "symbol 返回值为空")
	}
	symbol, ok := out[0].(string)
	if !ok {
		return "", errors.New(errors.CodeUnknown, "symbol 返回值类型异常")
	}
	return symbol, nil
}

// Allowance returns how much the spender may transfer on behalf of owner.
func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return asBig(out, "allowance")
}

func (t *ERC20) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := erc20.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidArgument,
			fmt.Sprintf("编码 %s 调用失败", method), err)
	}
	raw, err := t.conn.CallContract(ctx, gethcore.CallMsg{To: &t.addr, Data: data})
	if err != nil {
		return nil, err
	}
	out, err := erc20.Unpack(method, raw)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnknown,
			fmt.Sprintf("解码 %s 返回值失败", method), err)
	}
	return out, nil
}

func asBig(out []any, method string) (*big.Int, error) {
	if len(out) == 0 {
		return nil, errors.New(errors.CodeUnknown,
			fmt.Sprintf("%s 返回值为空", method))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New(errors.CodeUnknown,
			fmt.Sprintf("%s 返回值类型异常", method))
	}
	return value, nil
}

// PackTransfer encodes an ERC-20 transfer call.
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20.Pack("transfer", to, amount)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidArgument, "编码 transfer 调用失败", err)
	}
	return data, nil
}

// PackApprove encodes an ERC-20 approve call.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20.Pack("approve", spender, amount)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidArgument, "编码 approve 调用失败", err)
	}
	return data, nil
}
