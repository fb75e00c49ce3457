package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sync"

	"MonadFlow/internal/errors"
	"MonadFlow/internal/pipeline"
)

func init() {
	RegisterKind("sequence", func(params json.RawMessage) (Task, error) {
		label, tasks, err := decodeComposite(params)
		if err != nil {
			return nil, err
		}
		return &Sequence{Label: label, Tasks: tasks}, nil
	})
	RegisterKind("parallel", func(params json.RawMessage) (Task, error) {
		label, tasks, err := decodeComposite(params)
		if err != nil {
			return nil, err
		}
		return &Parallel{Label: label, Tasks: tasks}, nil
	})
}

func decodeComposite(params json.RawMessage) (string, []Task, error) {
	var p struct {
		Label string `json:"label,omitempty"`
		Tasks []Spec `json:"tasks"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return "", nil, err
	}
	if len(p.Tasks) == 0 {
		return "", nil, fmt.Errorf("组合任务至少需要一个子任务")
	}
	tasks := make([]Task, 0, len(p.Tasks))
	for _, spec := range p.Tasks {
		sub, err := spec.Build()
		if err != nil {
			return "", nil, err
		}
		tasks = append(tasks, sub)
	}
	return p.Label, tasks, nil
}

// Sequence 依次执行子任务，任一子任务失败即停止，已完成的交易
// 不会回滚。
type Sequence struct {
	Label string
	Tasks []Task
}

// Name 返回任务标签，未设置时返回类型名。
func (s *Sequence) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "sequence"
}

// Execute 依次运行子任务并汇总全部交易结果。
func (s *Sequence) Execute(ctx context.Context, rt *Runtime) ([]pipeline.Result, error) {
	var out []pipeline.Result
	for _, sub := range s.Tasks {
		txs, err := sub.Execute(ctx, rt)
		out = append(out, txs...)
		if err != nil {
			return out, err
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Parallel 并发执行子任务，等待全部结束后汇总结果与错误。
// 同一钱包的交易仍会经过流水线的 nonce 计数器串行分配。
type Parallel struct {
	Label string
	Tasks []Task
}

// Name 返回任务标签，未设置时返回类型名。
func (p *Parallel) Name() string {
	if p.Label != "" {
		return p.Label
	}
	return "parallel"
}

// Execute 并发运行子任务。子任务的 panic 在各自的协程内拦截，
// 否则会绕过外层 Run 的恢复逻辑直接终止进程。
func (p *Parallel) Execute(ctx context.Context, rt *Runtime) ([]pipeline.Result, error) {
	results := make([][]pipeline.Result, len(p.Tasks))
	errs := make([]error, len(p.Tasks))
	var wg sync.WaitGroup
	for i, sub := range p.Tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = errors.New(CodePanic,
						fmt.Sprintf("任务 %s 发生 panic: %v", sub.Name(), r))
				}
			}()
			results[i], errs[i] = sub.Execute(ctx, rt)
		}()
	}
	wg.Wait()

	var out []pipeline.Result
	for _, txs := range results {
		out = append(out, txs...)
	}
	return out, stdErrors.Join(errs...)
}
