package pipeline

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"MonadFlow/internal/errors"
)

// 交易流水线的错误码。这些失败都是确定性的，重试不会改变结果；
// SUBMISSION_FAILED 例外，它表示重试额度耗尽后放弃，此时交易
// 是否已进入内存池无法确定。
const (
	CodeGasEstimationFailed = errors.Code("GAS_ESTIMATION_FAILED")
	CodeSubmissionFailed    = errors.Code("SUBMISSION_FAILED")
	CodeTxReverted          = errors.Code("TX_REVERTED")
	CodeConfirmationTimeout = errors.Code("CONFIRMATION_TIMEOUT")
)

func init() {
	errors.Register(CodeGasEstimationFailed, errors.Attributes{
		Message:  "gas estimation failed",
		Severity: errors.SeverityWarning,
	})
	errors.Register(CodeSubmissionFailed, errors.Attributes{
		Message:  "transaction submission failed",
		Severity: errors.SeverityCritical,
		Alert:    true,
	})
	errors.Register(CodeTxReverted, errors.Attributes{
		Message:  "transaction reverted on chain",
		Severity: errors.SeverityWarning,
	})
	errors.Register(CodeConfirmationTimeout, errors.Attributes{
		Message:  "transaction confirmation timed out",
		Severity: errors.SeverityWarning,
	})
}

// Status 是交易的终态标记。
type Status string

const (
	// StatusPending 表示交易已广播但尚未挖出。
	StatusPending Status = "PENDING"
	// StatusConfirmed 表示交易已挖出且执行成功。
	StatusConfirmed Status = "CONFIRMED"
	// StatusFailed 表示交易已挖出但执行回滚。
	StatusFailed Status = "FAILED"
	// StatusTimedOut 表示确认等待超时，交易可能仍会被挖出。
	StatusTimedOut Status = "TIMED_OUT"
	// StatusCancelled 表示调用方在确认完成前取消了等待，
	// 已广播的交易不会被撤回。
	StatusCancelled Status = "CANCELLED"
)

// Terminal 报告状态是否不会再变化。
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Request 描述一笔待执行的交易。
type Request struct {
	// From 是签名钱包的名称，留空使用默认钱包。
	From string `json:"from,omitempty"`
	// To 为 nil 时表示部署合约。
	To *common.Address `json:"to,omitempty"`
	// Value 是随交易转移的原生代币数量，单位 wei。
	Value *big.Int `json:"value,omitempty"`
	// Data 是调用数据或合约字节码。
	Data []byte `json:"data,omitempty"`
	// GasLimit 为 0 时自动估算。
	GasLimit uint64 `json:"gas_limit,omitempty"`
	// GasPrice 为 nil 时按配置解析。
	GasPrice *big.Int `json:"gas_price,omitempty"`
	// Nonce 为 nil 时由流水线统一分配。
	Nonce *uint64 `json:"nonce,omitempty"`
}

// Result 是 Execute 的结果。广播成功后 TxHash 始终有值，
// 包括等待被取消或超时的情形。
type Result struct {
	TxHash      common.Hash `json:"tx_hash"`
	Status      Status      `json:"status"`
	BlockNumber uint64      `json:"block_number,omitempty"`
	GasUsed     uint64      `json:"gas_used,omitempty"`
	// Attempts 是实际发起的广播次数。
	Attempts int `json:"attempts,omitempty"`
	// Reason 是失败状态的可读描述。
	Reason string `json:"reason,omitempty"`

	Err error `json:"-"`
}

// fail 填充失败信息并保持 TxHash 不变。
func (r *Result) fail(status Status, err error) *Result {
	r.Status = status
	r.Err = err
	if err != nil {
		r.Reason = err.Error()
	}
	return r
}
