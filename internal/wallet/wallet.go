package wallet

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"MonadFlow/internal/errors"
)

// 钱包相关的错误码。
const (
	CodeDuplicateWallet = errors.Code("DUPLICATE_WALLET")
	CodeWalletNotFound  = errors.Code("WALLET_NOT_FOUND")
	CodeInvalidKey      = errors.Code("INVALID_KEY")
	CodeWatchOnlyWallet = errors.Code("WATCH_ONLY_WALLET")
)

func init() {
	errors.Register(CodeDuplicateWallet, errors.Attributes{
		Message:  "wallet name already exists",
		Severity: errors.SeverityInfo,
	})
	errors.Register(CodeWalletNotFound, errors.Attributes{
		Message:  "wallet not found",
		Severity: errors.SeverityInfo,
	})
	errors.Register(CodeInvalidKey, errors.Attributes{
		Message:  "invalid private key or address",
		Severity: errors.SeverityInfo,
	})
	errors.Register(CodeWatchOnlyWallet, errors.Attributes{
		Message:  "wallet cannot sign",
		Severity: errors.SeverityInfo,
	})
}

// Wallet 描述仓库中的一个钱包条目。观察钱包只有地址，无法签名。
type Wallet struct {
	Name      string
	Address   common.Address
	WatchOnly bool
	Default   bool
	CreatedAt time.Time
}

// record 是钱包在磁盘上的存储形式，私钥以 keystore v3 格式加密。
type record struct {
	Name      string          `json:"name"`
	Address   string          `json:"address"`
	WatchOnly bool            `json:"watch_only,omitempty"`
	Default   bool            `json:"default,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Keystore  json.RawMessage `json:"keystore,omitempty"`
}

func (r *record) wallet() *Wallet {
	return &Wallet{
		Name:      r.Name,
		Address:   common.HexToAddress(r.Address),
		WatchOnly: r.WatchOnly,
		Default:   r.Default,
		CreatedAt: r.CreatedAt,
	}
}
