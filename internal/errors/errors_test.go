package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	plain := New(CodeInvalidArgument, "钱包名称不合法")
	if got, want := plain.Error(), "[INVALID_ARGUMENT] 钱包名称不合法"; got != want {
		t.Fatalf("unexpected message: got %q want %q", got, want)
	}

	wrapped := Wrap(CodeTimeout, "等待回执超时", stdErrors.New("deadline exceeded"))
	if got, want := wrapped.Error(), "[TIMEOUT] 等待回执超时: deadline exceeded"; got != want {
		t.Fatalf("unexpected wrapped message: got %q want %q", got, want)
	}
}

func TestNewFallsBackToRegisteredMessage(t *testing.T) {
	e := New(CodeNotFound, "")
	if got, want := e.Message(), "resource not found"; got != want {
		t.Fatalf("unexpected default message: got %q want %q", got, want)
	}
}

func TestWrapPreservesChain(t *testing.T) {
	sentinel := stdErrors.New("connection refused")
	inner := Wrap(CodeInitializationFailure, "拨号失败", sentinel)
	outer := fmt.Errorf("启动阶段: %w", inner)

	if !stdErrors.Is(outer, sentinel) {
		t.Fatalf("expected sentinel to survive wrapping")
	}
	if got := CodeOf(outer); got != CodeInitializationFailure {
		t.Fatalf("unexpected code: got %s want %s", got, CodeInitializationFailure)
	}
	unified, ok := From(outer)
	if !ok {
		t.Fatalf("expected unified error in chain")
	}
	if unified.Message() != "拨号失败" {
		t.Fatalf("unexpected message: %q", unified.Message())
	}
}

func TestIsComparesByCode(t *testing.T) {
	a := New(CodeConflict, "重复的钱包")
	b := New(CodeConflict, "重复的网络")
	c := New(CodeNotFound, "不存在")

	if !stdErrors.Is(a, b) {
		t.Fatalf("errors with the same code should match")
	}
	if stdErrors.Is(a, c) {
		t.Fatalf("errors with different codes should not match")
	}
}

func TestAttributeOverrides(t *testing.T) {
	base := New(CodeTimeout, "慢节点")
	if !base.Retryable() {
		t.Fatalf("TIMEOUT should be retryable by default")
	}
	if base.Severity() != SeverityWarning {
		t.Fatalf("unexpected default severity: %s", base.Severity())
	}

	pinned := New(CodeTimeout, "慢节点",
		WithRetryable(false),
		WithSeverity(SeverityCritical),
		WithAlert(true),
		WithMetadata("tx_hash", "0xabc"),
	)
	if pinned.Retryable() {
		t.Fatalf("WithRetryable(false) should override the default")
	}
	if pinned.Severity() != SeverityCritical {
		t.Fatalf("unexpected severity: %s", pinned.Severity())
	}
	if !pinned.ShouldAlert() {
		t.Fatalf("WithAlert(true) should override the default")
	}
	meta := pinned.Metadata()
	if meta["tx_hash"] != "0xabc" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	meta["tx_hash"] = "mutated"
	if pinned.Metadata()["tx_hash"] != "0xabc" {
		t.Fatalf("Metadata should return a copy")
	}
}

func TestRegisterAndHelpers(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{
		Message:   "custom failure",
		Severity:  SeverityCritical,
		Retryable: true,
		Alert:     true,
	})

	e := New(code, "")
	if e.Message() != "custom failure" {
		t.Fatalf("unexpected message: %q", e.Message())
	}
	if !RetryableError(e) {
		t.Fatalf("registered retryable attribute should apply")
	}
	if !ShouldAlert(e) {
		t.Fatalf("registered alert attribute should apply")
	}
	if SeverityOf(e) != SeverityCritical {
		t.Fatalf("unexpected severity: %s", SeverityOf(e))
	}

	if got := AttributesOf("NEVER_REGISTERED").Message; got != "unknown error" {
		t.Fatalf("unregistered code should fall back to UNKNOWN, got %q", got)
	}
}

func TestHelpersOnForeignErrors(t *testing.T) {
	plain := stdErrors.New("plain failure")
	if RetryableError(plain) {
		t.Fatalf("plain errors should not be retryable")
	}
	if ShouldAlert(plain) {
		t.Fatalf("plain errors should not alert")
	}
	if got := CodeOf(plain); got != CodeUnknown {
		t.Fatalf("unexpected code for plain error: %s", got)
	}
	if got := SeverityOf(plain); got != SeverityCritical {
		t.Fatalf("plain errors should map to UNKNOWN severity, got %s", got)
	}
}
