// Package nft implements ERC-721 tasks.
package nft

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"MonadFlow/internal/errors"
	"MonadFlow/internal/pipeline"
	"MonadFlow/internal/task"
)

const erc721JSON = `[
  {"name":"ownerOf","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"name":"safeTransferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`

var erc721 = mustParseABI(erc721JSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func init() {
	task.RegisterKind("nft_transfer", func(params json.RawMessage) (task.Task, error) {
		var p struct {
			Contract string `json:"contract"`
			TokenID  string `json:"token_id"`
			To       string `json:"to"`
			Wallet   string `json:"wallet,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if !common.IsHexAddress(p.Contract) {
			return nil, fmt.Errorf("无效的合约地址 %s", p.Contract)
		}
		if !common.IsHexAddress(p.To) {
			return nil, fmt.Errorf("无效的收款地址 %s", p.To)
		}
		tokenID, ok := new(big.Int).SetString(p.TokenID, 10)
		if !ok || tokenID.Sign() < 0 {
			return nil, fmt.Errorf("无效的 token id %s", p.TokenID)
		}
		return &TransferTask{
			Contract: common.HexToAddress(p.Contract),
			TokenID:  tokenID,
			To:       common.HexToAddress(p.To),
			Wallet:   p.Wallet,
		}, nil
	})
}

// TransferTask moves an ERC-721 token to another address. Ownership is
// verified before the transfer so a wrong token id fails with a clear error
// instead of a revert.
type TransferTask struct {
	Contract common.Address
	TokenID  *big.Int
	To       common.Address
	Wallet   string
}

// Name returns the task kind.
func (t *TransferTask) Name() string { return "nft_transfer" }

// Execute verifies ownership and performs the transfer.
func (t *TransferTask) Execute(ctx context.Context, rt *task.Runtime) ([]pipeline.Result, error) {
	w, err := rt.ResolveWallet(t.Wallet)
	if err != nil {
		return nil, err
	}

	owner, err := t.owner(ctx, rt)
	if err != nil {
		return nil, err
	}
	if owner != w.Address {
		return nil, errors.New(errors.CodeInvalidArgument,
			fmt.Sprintf("token %s 的持有者是 %s，而不是钱包 %s", t.TokenID, owner.Hex(), w.Name))
	}

	data, err := erc721.Pack("safeTransferFrom", w.Address, t.To, t.TokenID)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidArgument, "编码 NFT 转移调用失败", err)
	}
	contract := t.Contract
	res, err := rt.Tx.Execute(ctx, pipeline.Request{
		From: w.Name,
		To:   &contract,
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

func (t *TransferTask) owner(ctx context.Context, rt *task.Runtime) (common.Address, error) {
	data, err := erc721.Pack("ownerOf", t.TokenID)
	if err != nil {
		return common.Address{}, errors.Wrap(errors.CodeInvalidArgument, "编码 ownerOf 调用失败", err)
	}
	contract := t.Contract
	raw, err := rt.Conn.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data})
	if err != nil {
		return common.Address{}, err
	}
	decoded, err := erc721.Unpack("ownerOf", raw)
	if err != nil {
		return common.Address{}, errors.Wrap(errors.CodeUnknown, "解码 ownerOf 结果失败", err)
	}
	if len(decoded) == 0 {
		return common.Address{}, errors.New(errors.CodeUnknown, "ownerOf 结果为空")
	}
	owner, ok := decoded[0].(common.Address)
	if !ok {
		return common.Address{}, errors.New(errors.CodeUnknown, "ownerOf 结果类型异常")
	}
	return owner, nil
}
