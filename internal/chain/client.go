package chain

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"MonadFlow/internal/errors"
	"MonadFlow/internal/network"
	"MonadFlow/pkg/logger"
)

// DefaultTimeout bounds each RPC call made through the client.
const DefaultTimeout = 30 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client implements Conn for EVM compatible nodes.
type Client struct {
	cfg     network.Config
	rpc     *gethrpc.Client
	eth     *ethclient.Client
	chainID *big.Int
	timeout time.Duration
}

// Dial connects to the network's RPC endpoint and queries the node's chain
// id. A mismatch with the configured id is logged but not fatal, the node
// reported id is authoritative for signing.
func Dial(ctx context.Context, cfg network.Config, opts ...Option) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New(errors.CodeInvalidArgument,
			fmt.Sprintf("网络 %s 未配置 RPC 地址", cfg.Name))
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInitializationFailure,
			fmt.Sprintf("连接网络 %s 失败", cfg.Name), err)
	}

	c := &Client{
		cfg:     cfg,
		rpc:     rpcClient,
		eth:     ethclient.NewClient(rpcClient),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	chainID, err := c.eth.ChainID(callCtx)
	if err != nil {
		rpcClient.Close()
		return nil, classify(err, fmt.Sprintf("获取网络 %s 的链 ID 失败", cfg.Name))
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		logger.Named("chain").Warn("链 ID 不匹配, 以节点为准",
			slog.String("network", cfg.Name),
			slog.Uint64("configured", cfg.ChainID),
			slog.String("node", chainID.String()))
	}
	c.chainID = chainID
	return c, nil
}

// Network returns the configuration the client was dialed with.
func (c *Client) Network() network.Config {
	return c.cfg
}

// ChainID returns the chain id reported by the node at dial time.
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	number, err := c.eth.BlockNumber(callCtx)
	if err != nil {
		return 0, classify(err, "查询区块高度失败")
	}
	return number, nil
}

// Balance returns the native token balance of the address.
func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	balance, err := c.eth.BalanceAt(callCtx, addr, nil)
	if err != nil {
		return nil, classify(err, "查询余额失败")
	}
	return balance, nil
}

// PendingNonce returns the next nonce including pending transactions.
func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	nonce, err := c.eth.PendingNonceAt(callCtx, addr)
	if err != nil {
		return 0, classify(err, "查询账户 nonce 失败")
	}
	return nonce, nil
}

// GasPrice returns the node suggested gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	price, err := c.eth.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, classify(err, "查询 gas 价格失败")
	}
	return price, nil
}

// EstimateGas simulates the call and returns the gas required.
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	gas, err := c.eth.EstimateGas(callCtx, msg)
	if err != nil {
		return 0, classify(err, "估算 gas 失败")
	}
	return gas, nil
}

// SendRaw broadcasts signed transaction bytes. A node that already holds the
// identical transaction counts as a successful broadcast.
func (c *Client) SendRaw(ctx context.Context, raw []byte) (common.Hash, error) {
	var parsed coretypes.Transaction
	if err := parsed.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, errors.Wrap(errors.CodeInvalidArgument, "解析已签名交易失败", err)
	}

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	var hash common.Hash
	err := c.rpc.CallContext(callCtx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw))
	if err != nil {
		if alreadyKnown(err) {
			return parsed.Hash(), nil
		}
		return common.Hash{}, classify(err, "广播交易失败")
	}
	return hash, nil
}

// Receipt returns the receipt for the hash, or nil while unmined.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	receipt, err := c.eth.TransactionReceipt(callCtx, hash)
	if stderrors.Is(err, gethcore.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "查询交易回执失败")
	}
	return receipt, nil
}

// CallContract executes a read only contract call against the latest block.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	out, err := c.eth.CallContract(callCtx, msg, nil)
	if err != nil {
		return nil, classify(err, "合约只读调用失败")
	}
	return out, nil
}

// Close releases the underlying connections.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
