package chain

import (
	"context"
	stderrors "errors"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"MonadFlow/internal/errors"
	"MonadFlow/internal/network"
)

// 链访问层的错误码。RPC_ERROR 与 RPC_TIMEOUT 是暂时性故障，
// 其余码表示确定性失败，重试不会改变结果。
const (
	CodeRPCError          = errors.Code("RPC_ERROR")
	CodeRPCTimeout        = errors.Code("RPC_TIMEOUT")
	CodeNonceConflict     = errors.Code("NONCE_CONFLICT")
	CodeUnderpriced       = errors.Code("UNDERPRICED")
	CodeInsufficientFunds = errors.Code("INSUFFICIENT_FUNDS")
	CodeExecutionReverted = errors.Code("EXECUTION_REVERTED")
)

func init() {
	errors.Register(CodeRPCError, errors.Attributes{
		Message:   "rpc call failed",
		Retryable: true,
		Severity:  errors.SeverityWarning,
	})
	errors.Register(CodeRPCTimeout, errors.Attributes{
		Message:   "rpc call timed out",
		Retryable: true,
		Severity:  errors.SeverityWarning,
	})
	errors.Register(CodeNonceConflict, errors.Attributes{
		Message:  "transaction nonce conflict",
		Severity: errors.SeverityWarning,
	})
	errors.Register(CodeUnderpriced, errors.Attributes{
		Message:  "transaction underpriced",
		Severity: errors.SeverityWarning,
	})
	errors.Register(CodeInsufficientFunds, errors.Attributes{
		Message:  "insufficient funds",
		Severity: errors.SeverityWarning,
	})
	errors.Register(CodeExecutionReverted, errors.Attributes{
		Message:  "execution reverted",
		Severity: errors.SeverityWarning,
	})
}

// Conn is the read and broadcast surface of a single network connection.
// Implementations classify transport failures into the codes above but never
// retry; retry policy belongs to the caller.
type Conn interface {
	// Network returns the configuration the connection was dialed with.
	Network() network.Config
	// ChainID returns the chain id reported by the node.
	ChainID() *big.Int
	// BlockNumber returns the latest block height.
	BlockNumber(ctx context.Context) (uint64, error)
	// Balance returns the native token balance of the address.
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	// PendingNonce returns the next nonce including pending transactions.
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	// GasPrice returns the node suggested gas price.
	GasPrice(ctx context.Context) (*big.Int, error)
	// EstimateGas simulates the call and returns the gas required.
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	// SendRaw broadcasts a signed transaction. Resending bytes the node has
	// already seen is reported as success.
	SendRaw(ctx context.Context, raw []byte) (common.Hash, error)
	// Receipt returns the receipt for the hash, or nil while the
	// transaction is unmined.
	Receipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	// CallContract executes a read only contract call.
	CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error)
	// Close releases the underlying connections.
	Close()
}

// classify wraps a transport error with the code matching the node's
// complaint. Message matching follows the strings go-ethereum and compatible
// nodes return.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	code := CodeRPCError
	text := strings.ToLower(err.Error())
	switch {
	case stderrors.Is(err, context.DeadlineExceeded) || strings.Contains(text, "timeout"):
		code = CodeRPCTimeout
	case strings.Contains(text, "nonce too low") ||
		strings.Contains(text, "nonce too high") ||
		strings.Contains(text, "invalid nonce"):
		code = CodeNonceConflict
	case strings.Contains(text, "underpriced") ||
		strings.Contains(text, "gas price too low"):
		code = CodeUnderpriced
	case strings.Contains(text, "insufficient funds") ||
		strings.Contains(text, "insufficient balance"):
		code = CodeInsufficientFunds
	case strings.Contains(text, "execution reverted") ||
		strings.Contains(text, "revert"):
		code = CodeExecutionReverted
	}
	return errors.Wrap(code, message, err)
}

// alreadyKnown reports whether the node rejected a broadcast only because it
// already holds the identical transaction.
func alreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "already known") ||
		strings.Contains(text, "known transaction") ||
		strings.Contains(text, "alreadyknown")
}
