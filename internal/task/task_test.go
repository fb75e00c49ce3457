package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"MonadFlow/internal/errors"
	"MonadFlow/internal/pipeline"
	"MonadFlow/internal/token"
	"MonadFlow/internal/wallet"
)

const testAddr = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"

// fakeRunner 记录任务发起的交易请求。errs 与 results 按调用顺序
// 消费，缺省时返回一笔确认成功的交易。
type fakeRunner struct {
	mu       sync.Mutex
	requests []pipeline.Request
	errs     []error
	results  []*pipeline.Result
}

var _ TxRunner = (*fakeRunner)(nil)

func (f *fakeRunner) Execute(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) && f.results[i] != nil {
		out := *f.results[i]
		return &out, nil
	}
	return &pipeline.Result{
		Status:   pipeline.StatusConfirmed,
		TxHash:   common.BigToHash(big.NewInt(int64(i + 1))),
		Attempts: 1,
	}, nil
}

func (f *fakeRunner) WaitMined(context.Context, common.Hash) (*pipeline.Result, error) {
	return &pipeline.Result{Status: pipeline.StatusConfirmed}, nil
}

// taskFunc 让测试用闭包充当任务。
type taskFunc struct {
	name string
	fn   func(context.Context, *Runtime) ([]pipeline.Result, error)
}

func (t taskFunc) Name() string { return t.name }

func (t taskFunc) Execute(ctx context.Context, rt *Runtime) ([]pipeline.Result, error) {
	return t.fn(ctx, rt)
}

func testRuntime(runner *fakeRunner) *Runtime {
	return &Runtime{
		Wallet: &wallet.Wallet{Name: "hot", Address: common.HexToAddress(testAddr)},
		Tx:     runner,
	}
}

func TestRunCapturesPanic(t *testing.T) {
	bomb := taskFunc{name: "bomb", fn: func(context.Context, *Runtime) ([]pipeline.Result, error) {
		panic("boom")
	}}

	res, err := Run(context.Background(), bomb, testRuntime(&fakeRunner{}))
	if errors.CodeOf(err) != CodePanic {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil {
		t.Fatalf("result must not be nil after a panic")
	}
	if res.Succeeded || res.Task != "bomb" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Error, "boom") {
		t.Fatalf("panic value missing from error: %s", res.Error)
	}
}

func TestRunOutcome(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ok := taskFunc{name: "ok", fn: func(context.Context, *Runtime) ([]pipeline.Result, error) {
			return []pipeline.Result{{Status: pipeline.StatusConfirmed}}, nil
		}}
		res, err := Run(context.Background(), ok, testRuntime(&fakeRunner{}))
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !res.Succeeded || len(res.Txs) != 1 || res.Error != "" {
			t.Fatalf("unexpected result: %+v", res)
		}
		if res.StartedAt.IsZero() {
			t.Fatalf("started_at not recorded")
		}
	})

	t.Run("failure", func(t *testing.T) {
		boom := stdErrors.New("boom")
		bad := taskFunc{name: "bad", fn: func(context.Context, *Runtime) ([]pipeline.Result, error) {
			return []pipeline.Result{{Status: pipeline.StatusFailed}}, boom
		}}
		res, err := Run(context.Background(), bad, testRuntime(&fakeRunner{}))
		if !stdErrors.Is(err, boom) {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Succeeded || res.Error != "boom" || len(res.Txs) != 1 {
			t.Fatalf("unexpected result: %+v", res)
		}
	})
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode("nope", nil)
	if errors.CodeOf(err) != errors.CodeInvalidArgument {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Fatalf("error should name the kind: %v", err)
	}
}

func TestDecodeTransferSpec(t *testing.T) {
	spec := Spec{Type: "transfer", Params: json.RawMessage(
		`{"to":"` + testAddr + `","amount":"1000","wallet":"ops"}`)}
	built, err := spec.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tr, ok := built.(*TransferTask)
	if !ok {
		t.Fatalf("unexpected task type %T", built)
	}
	if tr.To != common.HexToAddress(testAddr) || tr.Amount.Int64() != 1000 {
		t.Fatalf("unexpected task: %+v", tr)
	}
	if tr.Token != nil || tr.Wallet != "ops" {
		t.Fatalf("unexpected task: %+v", tr)
	}

	bad := []string{
		`{"to":"not-an-address","amount":"1"}`,
		`{"to":"` + testAddr + `","amount":"-5"}`,
		`{"to":"` + testAddr + `","amount":"lots"}`,
		`{"to":"` + testAddr + `","amount":"1","token":"nope"}`,
	}
	for _, params := range bad {
		if _, err := Decode("transfer", json.RawMessage(params)); errors.CodeOf(err) != errors.CodeInvalidArgument {
			t.Fatalf("params %s: unexpected error %v", params, err)
		}
	}
}

func TestTransferExecuteNative(t *testing.T) {
	runner := &fakeRunner{}
	tr := &TransferTask{To: common.HexToAddress(testAddr), Amount: big.NewInt(5)}

	out, err := tr.Execute(context.Background(), testRuntime(runner))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(out) != 1 || out[0].Status != pipeline.StatusConfirmed {
		t.Fatalf("unexpected results: %+v", out)
	}

	req := runner.requests[0]
	if req.From != "hot" {
		t.Fatalf("unexpected sender: %s", req.From)
	}
	if req.To == nil || *req.To != tr.To || req.Value.Int64() != 5 || req.Data != nil {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestTransferExecuteToken(t *testing.T) {
	runner := &fakeRunner{}
	tokenAddr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tr := &TransferTask{
		To:     common.HexToAddress(testAddr),
		Amount: big.NewInt(5),
		Token:  &tokenAddr,
		Wallet: "ops",
	}

	if _, err := tr.Execute(context.Background(), testRuntime(runner)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	req := runner.requests[0]
	if req.From != "ops" {
		t.Fatalf("wallet override ignored: %s", req.From)
	}
	if req.To == nil || *req.To != tokenAddr || req.Value != nil {
		t.Fatalf("unexpected request: %+v", req)
	}
	want, err := token.PackTransfer(tr.To, tr.Amount)
	if err != nil {
		t.Fatalf("pack transfer: %v", err)
	}
	if string(req.Data) != string(want) {
		t.Fatalf("unexpected calldata: %x", req.Data)
	}
}

func TestTransferRejectsNonPositiveAmount(t *testing.T) {
	runner := &fakeRunner{}
	for _, amount := range []*big.Int{nil, big.NewInt(0)} {
		tr := &TransferTask{To: common.HexToAddress(testAddr), Amount: amount}
		if _, err := tr.Execute(context.Background(), testRuntime(runner)); errors.CodeOf(err) != errors.CodeInvalidArgument {
			t.Fatalf("amount %v: unexpected error %v", amount, err)
		}
	}
	if len(runner.requests) != 0 {
		t.Fatalf("invalid transfer must not reach the pipeline")
	}
}

func TestTransferSurfacesRevert(t *testing.T) {
	reverted := errors.New(pipeline.CodeTxReverted, "交易回滚")
	runner := &fakeRunner{results: []*pipeline.Result{{
		Status: pipeline.StatusFailed,
		Err:    reverted,
		Reason: reverted.Error(),
	}}}
	tr := &TransferTask{To: common.HexToAddress(testAddr), Amount: big.NewInt(1)}

	out, err := tr.Execute(context.Background(), testRuntime(runner))
	if !stdErrors.Is(err, reverted) {
		t.Fatalf("unexpected error: %v", err)
	}
	// 已挖出的失败交易仍要出现在结果里。
	if len(out) != 1 || out[0].Status != pipeline.StatusFailed {
		t.Fatalf("unexpected results: %+v", out)
	}
}

func TestApproveUnlimitedByDefault(t *testing.T) {
	runner := &fakeRunner{}
	ap := &ApproveTask{
		Token:   common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Spender: common.HexToAddress("0x00000000000000000000000000000000000000bb"),
	}

	if _, err := ap.Execute(context.Background(), testRuntime(runner)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	req := runner.requests[0]
	if req.To == nil || *req.To != ap.Token {
		t.Fatalf("unexpected target: %+v", req.To)
	}
	want, err := token.PackApprove(ap.Spender, token.MaxUint256)
	if err != nil {
		t.Fatalf("pack approve: %v", err)
	}
	if string(req.Data) != string(want) {
		t.Fatalf("unexpected calldata: %x", req.Data)
	}
}

func TestApproveDecodeValidation(t *testing.T) {
	spec := Spec{Type: "approve", Params: json.RawMessage(
		`{"token":"0x00000000000000000000000000000000000000aa","spender":"` + testAddr + `","amount":"500"}`)}
	built, err := spec.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ap := built.(*ApproveTask)
	if ap.Amount.Int64() != 500 {
		t.Fatalf("unexpected amount: %s", ap.Amount)
	}

	bad := []string{
		`{"token":"nope","spender":"` + testAddr + `"}`,
		`{"token":"0x00000000000000000000000000000000000000aa","spender":"nope"}`,
		`{"token":"0x00000000000000000000000000000000000000aa","spender":"` + testAddr + `","amount":"-1"}`,
	}
	for _, params := range bad {
		if _, err := Decode("approve", json.RawMessage(params)); errors.CodeOf(err) != errors.CodeInvalidArgument {
			t.Fatalf("params %s: unexpected error %v", params, err)
		}
	}
}

func TestSequenceStopsAtFirstFailure(t *testing.T) {
	boom := stdErrors.New("boom")
	runner := &fakeRunner{errs: []error{nil, boom, nil}}
	transfer := func() Task {
		return &TransferTask{To: common.HexToAddress(testAddr), Amount: big.NewInt(1)}
	}
	seq := &Sequence{Tasks: []Task{transfer(), transfer(), transfer()}}

	out, err := seq.Execute(context.Background(), testRuntime(runner))
	if !stdErrors.Is(err, boom) {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected only the first transaction, got %d", len(out))
	}
	if len(runner.requests) != 2 {
		t.Fatalf("third task should never run, got %d requests", len(runner.requests))
	}

	if name := seq.Name(); name != "sequence" {
		t.Fatalf("unexpected name: %s", name)
	}
	labelled := &Sequence{Label: "提现批次"}
	if labelled.Name() != "提现批次" {
		t.Fatalf("label should win: %s", labelled.Name())
	}
}

func TestParallelCollectsAllErrors(t *testing.T) {
	boom := stdErrors.New("boom")
	var ran atomic.Int32
	par := &Parallel{Tasks: []Task{
		taskFunc{name: "ok", fn: func(context.Context, *Runtime) ([]pipeline.Result, error) {
			ran.Add(1)
			return []pipeline.Result{{Status: pipeline.StatusConfirmed}}, nil
		}},
		taskFunc{name: "bad", fn: func(context.Context, *Runtime) ([]pipeline.Result, error) {
			ran.Add(1)
			return nil, boom
		}},
		taskFunc{name: "bomb", fn: func(context.Context, *Runtime) ([]pipeline.Result, error) {
			ran.Add(1)
			panic("wild")
		}},
	}}

	out, err := par.Execute(context.Background(), testRuntime(&fakeRunner{}))
	if ran.Load() != 3 {
		t.Fatalf("all subtasks must run, got %d", ran.Load())
	}
	if len(out) != 1 {
		t.Fatalf("unexpected results: %+v", out)
	}
	if !stdErrors.Is(err, boom) {
		t.Fatalf("joined error lost the failure: %v", err)
	}
	if !strings.Contains(err.Error(), "panic") {
		t.Fatalf("joined error lost the panic: %v", err)
	}
}

func TestRuntimeResolveWallet(t *testing.T) {
	store, err := wallet.NewStore(t.TempDir(),
		wallet.WithPassphraseFunc(wallet.StaticPassphrase("pw")),
		wallet.WithScryptParams(2, 1))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ops, err := store.Generate(context.Background(), "ops")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	hot := &wallet.Wallet{Name: "hot", Address: common.HexToAddress(testAddr)}
	rt := &Runtime{Wallet: hot, Wallets: store}

	for _, name := range []string{"", "hot"} {
		got, err := rt.ResolveWallet(name)
		if err != nil || got != hot {
			t.Fatalf("resolve %q: got %v, %v", name, got, err)
		}
	}
	got, err := rt.ResolveWallet("ops")
	if err != nil || got.Address != ops.Address {
		t.Fatalf("resolve ops: got %v, %v", got, err)
	}

	if _, err := rt.ResolveWallet("ghost"); errors.CodeOf(err) != wallet.CodeWalletNotFound {
		t.Fatalf("unexpected error: %v", err)
	}
	empty := &Runtime{}
	if _, err := empty.ResolveWallet(""); errors.CodeOf(err) != errors.CodeInvalidArgument {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestKindsRegistered(t *testing.T) {
	kinds := Kinds()
	if !sort.StringsAreSorted(kinds) {
		t.Fatalf("kinds not sorted: %v", kinds)
	}
	want := map[string]bool{"approve": false, "parallel": false, "sequence": false, "transfer": false}
	for _, kind := range kinds {
		if _, ok := want[kind]; ok {
			want[kind] = true
		}
	}
	for kind, seen := range want {
		if !seen {
			t.Fatalf("kind %s not registered", kind)
		}
	}
}
