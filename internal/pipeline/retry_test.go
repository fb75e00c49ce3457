package pipeline

import (
	stdErrors "errors"
	"testing"
	"time"

	"MonadFlow/internal/chain"
	"MonadFlow/internal/errors"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, BackoffFactor: 2, MaxDelay: 300 * time.Millisecond}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{4, 300 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: got %s want %s", tc.attempt, got, tc.want)
		}
	}

	// 倍率小于 1 按 1 处理，等待时间不会缩短。
	flat := Policy{BaseDelay: 50 * time.Millisecond, BackoffFactor: 0.5}
	if got := flat.Delay(5); got != 50*time.Millisecond {
		t.Fatalf("flat policy: got %s", got)
	}
}

func TestPolicyJittered(t *testing.T) {
	p := Policy{Jitter: 0.2}
	base := 100 * time.Millisecond
	for i := 0; i < 32; i++ {
		got := p.Jittered(base)
		if got < 90*time.Millisecond || got > 110*time.Millisecond {
			t.Fatalf("jittered delay out of range: %s", got)
		}
	}

	none := Policy{}
	if got := none.Jittered(base); got != base {
		t.Fatalf("zero jitter should be identity, got %s", got)
	}
}

func TestPolicyShouldRetry(t *testing.T) {
	p := Policy{}
	if !p.ShouldRetry(errors.New(chain.CodeRPCError, "boom")) {
		t.Fatalf("rpc error should be retryable")
	}
	if p.ShouldRetry(errors.New(chain.CodeInsufficientFunds, "broke")) {
		t.Fatalf("insufficient funds should not be retryable")
	}
	if p.ShouldRetry(stdErrors.New("opaque")) {
		t.Fatalf("unclassified error should not be retryable")
	}

	always := Policy{Retryable: func(error) bool { return true }}
	if !always.ShouldRetry(stdErrors.New("opaque")) {
		t.Fatalf("custom predicate should win over the registry")
	}
}
