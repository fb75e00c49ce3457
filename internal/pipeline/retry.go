package pipeline

import (
	"math"
	"math/rand/v2"
	"time"

	"MonadFlow/internal/errors"
)

// Policy 描述广播阶段对暂时性故障的重试策略。零值不可用，
// 请从 DefaultPolicy 出发修改。
type Policy struct {
	// MaxAttempts 是包含首次广播在内的总尝试次数。
	MaxAttempts int
	// BaseDelay 是首次重试前的等待时间。
	BaseDelay time.Duration
	// BackoffFactor 是相邻两次等待的倍率。
	BackoffFactor float64
	// MaxDelay 是单次等待的上限。
	MaxDelay time.Duration
	// Jitter 按比例在等待时间上叠加随机抖动，0.2 表示 ±10%。
	Jitter float64
	// Retryable 判定错误是否值得重试，nil 时按错误码注册表判定。
	Retryable func(error) bool
}

// DefaultPolicy 返回与全局配置默认值一致的策略。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
		Jitter:        0.2,
	}
}

// Delay 返回第 attempt 次重试前的确定性等待时间，attempt 从 1 开始。
// 抖动由 Jittered 单独叠加，便于测试。
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := p.BackoffFactor
	if backoff < 1 {
		backoff = 1
	}
	d := float64(p.BaseDelay) * math.Pow(backoff, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Jittered 在等待时间上叠加随机抖动。
func (p Policy) Jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	span := float64(d) * p.Jitter
	out := float64(d) - span/2 + rand.Float64()*span
	if out < 0 {
		return 0
	}
	return time.Duration(out)
}

// ShouldRetry 判定广播错误是否值得再次尝试。
func (p Policy) ShouldRetry(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return errors.RetryableError(err)
}
