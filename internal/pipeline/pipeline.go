package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"MonadFlow/internal/chain"
	"MonadFlow/internal/errors"
	"MonadFlow/internal/wallet"
	"MonadFlow/pkg/logger"
)

// GasConfig 描述流水线的费用参数。Price 为 nil 时按节点建议价
// 乘以 PriceMultiplier 定价。
type GasConfig struct {
	// LimitCap 是单笔交易允许的最大 gas，超过即中止且不广播。
	LimitCap uint64
	// Price 非 nil 时固定使用该价格。
	Price *big.Int
	// EstimateMultiplier 叠加在节点估算结果上，吸收估算偏差。
	EstimateMultiplier float64
	// PriceMultiplier 叠加在节点建议价上，加快打包。
	PriceMultiplier float64
}

func defaultGasConfig() GasConfig {
	return GasConfig{
		LimitCap:           3_000_000,
		EstimateMultiplier: 1.1,
		PriceMultiplier:    1.1,
	}
}

// Option 配置流水线的可选行为。
type Option func(*Pipeline)

// WithRetryPolicy 替换广播阶段的重试策略。
func WithRetryPolicy(policy Policy) Option {
	return func(p *Pipeline) {
		if policy.MaxAttempts > 0 {
			p.retry = policy
		}
	}
}

// WithGasConfig 替换费用参数。
func WithGasConfig(gas GasConfig) Option {
	return func(p *Pipeline) {
		if gas.EstimateMultiplier <= 0 {
			gas.EstimateMultiplier = 1.0
		}
		if gas.PriceMultiplier <= 0 {
			gas.PriceMultiplier = 1.0
		}
		p.gas = gas
	}
}

// WithConfirmation 调整确认等待的超时与轮询间隔。
func WithConfirmation(timeout, interval time.Duration) Option {
	return func(p *Pipeline) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
		if interval > 0 {
			p.confirmInterval = interval
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// Pipeline 将一笔交易从构造推进到终态：解析钱包、确定费用、
// 分配 nonce、签名、带重试地广播、轮询确认。一个实例绑定一条链，
// nonce 计数器按发送地址串行。
type Pipeline struct {
	conn            chain.Conn
	wallets         *wallet.Store
	gas             GasConfig
	retry           Policy
	confirmTimeout  time.Duration
	confirmInterval time.Duration
	nonces          *Nonces
	log             *slog.Logger
	journal         *slog.Logger
}

// New 构造绑定到单条链的交易流水线。
func New(conn chain.Conn, wallets *wallet.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		conn:            conn,
		wallets:         wallets,
		gas:             defaultGasConfig(),
		retry:           DefaultPolicy(),
		confirmTimeout:  300 * time.Second,
		confirmInterval: 2 * time.Second,
		nonces:          NewNonces(),
		log:             logger.Named("pipeline"),
		journal:         logger.Journal(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Conn 返回流水线绑定的链连接。
func (p *Pipeline) Conn() chain.Conn {
	return p.conn
}

// Execute 执行一笔交易直至终态。广播前的失败返回 (nil, error)，
// 此时链上不存在这笔交易；广播成功后的所有结局都体现在 Result 里，
// 包括回滚、超时与取消。观察钱包在预留 nonce 之前就会被拒绝。
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Result, error) {
	var w *wallet.Wallet
	var err error
	if req.From == "" {
		w, err = p.wallets.Default()
	} else {
		w, err = p.wallets.Get(req.From)
	}
	if err != nil {
		return nil, err
	}
	if w.WatchOnly {
		return nil, errors.New(wallet.CodeWatchOnlyWallet,
			fmt.Sprintf("钱包 %s 是观察钱包，无法发起交易", w.Name))
	}

	gasLimit, gasPrice, err := p.plan(ctx, req, w.Address)
	if err != nil {
		return nil, err
	}
	if err := p.checkBalance(ctx, w.Address, req.Value, gasLimit, gasPrice); err != nil {
		return nil, err
	}

	reserved := false
	var nonce uint64
	if req.Nonce != nil {
		nonce = *req.Nonce
	} else {
		nonce, err = p.nonces.Reserve(ctx, p.conn, w.Address)
		if err != nil {
			return nil, err
		}
		reserved = true
	}
	release := func() {
		if reserved {
			p.nonces.Reset(w.Address)
		}
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       req.To,
		Value:    req.Value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})
	signed, err := p.wallets.SignTx(ctx, w.Name, tx, p.conn.ChainID())
	if err != nil {
		release()
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		release()
		return nil, errors.Wrap(errors.CodeUnknown, "序列化已签名交易失败", err)
	}

	hash, attempts, err := p.submit(ctx, raw, signed.Hash())
	if err != nil {
		release()
		return nil, err
	}

	p.log.Info("交易已广播",
		"wallet", w.Name, "tx", hash.Hex(), "nonce", nonce, "attempts", attempts)
	p.journal.Info("submitted",
		"network", p.conn.Network().Name, "wallet", w.Name, "tx", hash.Hex(),
		"nonce", nonce, "gas_limit", gasLimit, "gas_price", gasPrice.String())

	res := p.waitReceipt(ctx, hash)
	res.Attempts = attempts
	switch res.Status {
	case StatusConfirmed:
		p.log.Info("交易已确认", "tx", hash.Hex(), "block", res.BlockNumber, "gas_used", res.GasUsed)
		p.journal.Info("confirmed", "tx", hash.Hex(), "block", res.BlockNumber, "gas_used", res.GasUsed)
	case StatusFailed:
		p.log.Warn("交易执行回滚", "tx", hash.Hex(), "block", res.BlockNumber)
		p.journal.Info("reverted", "tx", hash.Hex(), "block", res.BlockNumber)
	case StatusTimedOut:
		p.log.Warn("确认等待超时", "tx", hash.Hex(), "timeout", p.confirmTimeout)
		p.journal.Info("timed_out", "tx", hash.Hex())
	case StatusCancelled:
		p.log.Warn("确认等待被取消", "tx", hash.Hex())
		p.journal.Info("cancelled", "tx", hash.Hex())
	}
	return res, nil
}

// WaitMined 重新轮询一笔已广播交易，超时的交易可以用它再次等待。
func (p *Pipeline) WaitMined(ctx context.Context, hash common.Hash) (*Result, error) {
	if hash == (common.Hash{}) {
		return nil, errors.New(errors.CodeInvalidArgument, "交易哈希不能为空")
	}
	return p.waitReceipt(ctx, hash), nil
}

// plan 确定 gas 参数。估算失败是确定性错误，不消耗 nonce；
// 暂时性的 RPC 故障原样返回，保留其可重试属性。
func (p *Pipeline) plan(ctx context.Context, req Request, from common.Address) (uint64, *big.Int, error) {
	gasPrice := req.GasPrice
	if gasPrice == nil && p.gas.Price != nil {
		gasPrice = new(big.Int).Set(p.gas.Price)
	}
	if gasPrice == nil {
		suggested, err := p.conn.GasPrice(ctx)
		if err != nil {
			return 0, nil, err
		}
		gasPrice = scaleBig(suggested, p.gas.PriceMultiplier)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		estimated, err := p.conn.EstimateGas(ctx, gethcore.CallMsg{
			From:  from,
			To:    req.To,
			Value: req.Value,
			Data:  req.Data,
		})
		if err != nil {
			switch errors.CodeOf(err) {
			case chain.CodeRPCError, chain.CodeRPCTimeout,
				chain.CodeNonceConflict, chain.CodeUnderpriced, chain.CodeInsufficientFunds:
				return 0, nil, err
			}
			return 0, nil, errors.Wrap(CodeGasEstimationFailed, "gas 估算失败", err)
		}
		gasLimit = scaleUint(estimated, p.gas.EstimateMultiplier)
	}
	if p.gas.LimitCap > 0 && gasLimit > p.gas.LimitCap {
		return 0, nil, errors.New(CodeGasEstimationFailed,
			fmt.Sprintf("gas 需求 %d 超过上限 %d", gasLimit, p.gas.LimitCap),
			errors.WithMetadata("gas_limit", strconv.FormatUint(gasLimit, 10)),
			errors.WithMetadata("cap", strconv.FormatUint(p.gas.LimitCap, 10)))
	}
	return gasLimit, gasPrice, nil
}

// checkBalance 在广播前核对余额是否覆盖转账金额加费用上限，
// 避免消耗 nonce 后才被节点拒绝。余额查询的暂时性故障原样返回。
func (p *Pipeline) checkBalance(ctx context.Context, from common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int) error {
	balance, err := p.conn.Balance(ctx, from)
	if err != nil {
		return err
	}
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if value != nil {
		cost.Add(cost, value)
	}
	if balance.Cmp(cost) < 0 {
		return errors.New(chain.CodeInsufficientFunds,
			fmt.Sprintf("余额 %s 不足以支付 %s", balance, cost),
			errors.WithMetadata("balance", balance.String()),
			errors.WithMetadata("required", cost.String()))
	}
	return nil
}

// submit 广播已签名的字节串。每次重试发送完全相同的字节，
// 节点返回 already known 视为成功。
func (p *Pipeline) submit(ctx context.Context, raw []byte, expect common.Hash) (common.Hash, int, error) {
	attempts := 0
	var lastErr error
	for attempts < p.retry.MaxAttempts {
		attempts++
		hash, err := p.conn.SendRaw(ctx, raw)
		if err == nil {
			return hash, attempts, nil
		}
		lastErr = err
		if !p.retry.ShouldRetry(err) {
			return common.Hash{}, attempts, err
		}
		if attempts == p.retry.MaxAttempts {
			break
		}
		delay := p.retry.Jittered(p.retry.Delay(attempts))
		p.log.Warn("广播失败，等待重试",
			"tx", expect.Hex(), "attempt", attempts, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return common.Hash{}, attempts, errors.Wrap(CodeSubmissionFailed,
				"广播在重试等待中被取消", ctx.Err(),
				errors.WithMetadata("tx_hash", expect.Hex()),
				errors.WithMetadata("attempts", strconv.Itoa(attempts)))
		case <-time.After(delay):
		}
	}
	return common.Hash{}, attempts, errors.Wrap(CodeSubmissionFailed,
		fmt.Sprintf("交易经 %d 次尝试仍未广播成功", attempts), lastErr,
		errors.WithMetadata("tx_hash", expect.Hex()),
		errors.WithMetadata("attempts", strconv.Itoa(attempts)))
}

// waitReceipt 轮询回执直到出结果、超时或取消。查询回执时的
// 暂时性故障不会中断轮询。
func (p *Pipeline) waitReceipt(ctx context.Context, hash common.Hash) *Result {
	res := &Result{TxHash: hash, Status: StatusPending}
	deadline := time.NewTimer(p.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.confirmInterval)
	defer ticker.Stop()
	for {
		receipt, err := p.conn.Receipt(ctx, hash)
		if err != nil {
			p.log.Debug("查询回执失败，继续轮询", "tx", hash.Hex(), "err", err)
		}
		if receipt != nil {
			res.BlockNumber = receipt.BlockNumber.Uint64()
			res.GasUsed = receipt.GasUsed
			if receipt.Status == coretypes.ReceiptStatusSuccessful {
				res.Status = StatusConfirmed
				return res
			}
			return res.fail(StatusFailed, errors.New(CodeTxReverted,
				fmt.Sprintf("交易 %s 在区块 %d 回滚", hash.Hex(), res.BlockNumber)))
		}
		select {
		case <-ctx.Done():
			return res.fail(StatusCancelled, ctx.Err())
		case <-deadline.C:
			return res.fail(StatusTimedOut, errors.New(CodeConfirmationTimeout,
				fmt.Sprintf("交易 %s 在 %s 内未确认", hash.Hex(), p.confirmTimeout)))
		case <-ticker.C:
		}
	}
}

func scaleUint(v uint64, mult float64) uint64 {
	if mult <= 0 {
		return v
	}
	return uint64(float64(v) * mult)
}

func scaleBig(v *big.Int, mult float64) *big.Int {
	if v == nil || mult <= 0 {
		return v
	}
	scaled, _ := new(big.Float).Mul(new(big.Float).SetInt(v), big.NewFloat(mult)).Int(nil)
	return scaled
}
