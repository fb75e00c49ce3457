package job

import (
	"context"
	"strings"
	"sync"
	"testing"

	xerrors "MonadFlow/internal/errors"
	"MonadFlow/internal/observability/alerting"
	"MonadFlow/internal/task"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeExecutor) Execute(_ context.Context, req Request) (*task.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return &task.Result{Task: req.Task.Type, Succeeded: true}, nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (f *fakeDispatcher) Notify(_ context.Context, event alerting.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type fakeRecovery struct {
	fallback *task.Result
	err      error
	calls    int
}

func (f *fakeRecovery) Recover(_ context.Context, _ *Job, _ error) (*task.Result, error) {
	f.calls++
	return f.fallback, f.err
}

func seedJob(t *testing.T, store *MemoryStore, id string, maxRetries int) {
	t.Helper()
	j := &Job{
		ID:         id,
		Network:    "testnet",
		Wallet:     "hot",
		Task:       task.Spec{Type: "transfer"},
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func TestProcessorHandleSuccess(t *testing.T) {
	store := NewMemoryStore()
	executor := &fakeExecutor{}
	producer := &fakeProducer{}
	p := NewProcessor(executor, store, nil, producer)
	ctx := context.Background()

	seedJob(t, store, "j1", 3)
	if err := p.handle(ctx, "j1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	j, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != StatusSucceeded || j.Attempts != 1 {
		t.Fatalf("unexpected job: %+v", j)
	}
	if j.Result == nil || !j.Result.Succeeded {
		t.Fatalf("result not recorded: %+v", j.Result)
	}
	if len(producer.published) != 0 {
		t.Fatalf("successful job must not be republished")
	}
}

func TestProcessorHandleSkipsFinishedJobs(t *testing.T) {
	store := NewMemoryStore()
	executor := &fakeExecutor{}
	p := NewProcessor(executor, store, nil, &fakeProducer{})
	ctx := context.Background()

	// 不存在的作业直接丢弃，不触发重试。
	if err := p.handle(ctx, "ghost"); err != nil {
		t.Fatalf("handle missing: %v", err)
	}

	seedJob(t, store, "done", 3)
	if _, err := store.Claim(ctx, "done"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "done", task.Result{Task: "transfer", Succeeded: true}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if err := p.handle(ctx, "done"); err != nil {
		t.Fatalf("handle finished: %v", err)
	}

	// 正在运行的作业返回错误，交给队列按投递语义处理。
	seedJob(t, store, "busy", 3)
	if _, err := store.Claim(ctx, "busy"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := p.handle(ctx, "busy"); err == nil {
		t.Fatalf("claim conflict should surface")
	}

	if executor.calls != 0 {
		t.Fatalf("executor should never run, got %d calls", executor.calls)
	}
}

func TestProcessorRetryableFailureRequeues(t *testing.T) {
	store := NewMemoryStore()
	executor := &fakeExecutor{errs: []error{xerrors.New(CodeJobProcessing, "节点超时")}}
	producer := &fakeProducer{}
	alerter := &fakeDispatcher{}
	p := NewProcessor(executor, store, nil, producer, WithAlertDispatcher(alerter))
	ctx := context.Background()

	seedJob(t, store, "j1", 3)
	if err := p.handle(ctx, "j1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	j, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != StatusPending || j.ErrorCode != string(CodeJobProcessing) {
		t.Fatalf("unexpected job: %+v", j)
	}
	if len(producer.published) != 1 || producer.published[0] != "j1" {
		t.Fatalf("job not republished: %v", producer.published)
	}
	if len(alerter.events) != 0 {
		t.Fatalf("retryable failure must not alert: %+v", alerter.events)
	}
}

func TestProcessorExhaustionAlerts(t *testing.T) {
	store := NewMemoryStore()
	executor := &fakeExecutor{errs: []error{xerrors.New(CodeJobProcessing, "节点超时")}}
	producer := &fakeProducer{}
	alerter := &fakeDispatcher{}
	p := NewProcessor(executor, store, nil, producer, WithAlertDispatcher(alerter))
	ctx := context.Background()

	seedJob(t, store, "j1", 1)
	if err := p.handle(ctx, "j1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	j, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", j.Status)
	}
	if len(producer.published) != 0 {
		t.Fatalf("terminal failure must not republish")
	}

	if len(alerter.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerter.events))
	}
	event := alerter.events[0]
	if event.Code != CodeJobProcessing || event.JobID != "j1" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Attempts != 1 || event.MaxRetries != 1 {
		t.Fatalf("unexpected event counters: %+v", event)
	}
	if event.Metadata["stage"] != "terminal" || event.Metadata["network"] != "testnet" {
		t.Fatalf("unexpected event metadata: %+v", event.Metadata)
	}
	if event.Metadata["wallet"] != "hot" || event.Metadata["task"] != "transfer" {
		t.Fatalf("unexpected event metadata: %+v", event.Metadata)
	}
}

func TestProcessorRecoveryFallback(t *testing.T) {
	store := NewMemoryStore()
	executor := &fakeExecutor{errs: []error{xerrors.New(xerrors.CodeInvalidArgument, "坏参数")}}
	producer := &fakeProducer{}
	recovery := &fakeRecovery{fallback: &task.Result{Succeeded: true}}
	p := NewProcessor(executor, store, nil, producer, WithRecoveryHandler(recovery))
	ctx := context.Background()

	seedJob(t, store, "j1", 3)
	if err := p.handle(ctx, "j1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if recovery.calls != 1 {
		t.Fatalf("recovery not invoked")
	}

	j, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != StatusSucceeded || j.Result == nil {
		t.Fatalf("degraded job not recorded: %+v", j)
	}
	if j.Result.Task != "transfer" || !strings.HasPrefix(j.Result.Error, "降级处理") {
		t.Fatalf("fallback result not filled: %+v", j.Result)
	}
	if len(producer.published) != 0 {
		t.Fatalf("degraded job must not be republished")
	}
}

func TestProcessorRecoveryFailureCompensates(t *testing.T) {
	store := NewMemoryStore()
	cause := xerrors.New(xerrors.CodeInvalidArgument, "坏参数")
	executor := &fakeExecutor{errs: []error{cause}}
	recovery := &fakeRecovery{err: xerrors.New(xerrors.CodeUnknown, "补偿崩溃")}
	alerter := &fakeDispatcher{}
	p := NewProcessor(executor, store, nil, &fakeProducer{},
		WithRecoveryHandler(recovery), WithAlertDispatcher(alerter))
	ctx := context.Background()

	seedJob(t, store, "j1", 3)
	if err := p.handle(ctx, "j1"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	j, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != StatusFailed || j.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("unexpected job: %+v", j)
	}

	if len(alerter.events) != 2 {
		t.Fatalf("expected compensate and terminal alerts, got %d", len(alerter.events))
	}
	if alerter.events[0].Code != CodeJobCompensate || alerter.events[0].Metadata["stage"] != "compensate" {
		t.Fatalf("unexpected first event: %+v", alerter.events[0])
	}
	if alerter.events[1].Code != xerrors.CodeInvalidArgument || alerter.events[1].Metadata["stage"] != "terminal" {
		t.Fatalf("unexpected second event: %+v", alerter.events[1])
	}
}

func TestProcessorRecoverySkippedWhenRetryable(t *testing.T) {
	store := NewMemoryStore()
	executor := &fakeExecutor{errs: []error{xerrors.New(CodeJobProcessing, "节点超时")}}
	recovery := &fakeRecovery{fallback: &task.Result{Succeeded: true}}
	p := NewProcessor(executor, store, nil, &fakeProducer{}, WithRecoveryHandler(recovery))
	ctx := context.Background()

	seedJob(t, store, "j1", 3)
	if err := p.handle(ctx, "j1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if recovery.calls != 0 {
		t.Fatalf("recovery must only run for deterministic failures")
	}
}
