package job

import (
	"context"

	xerrors "MonadFlow/internal/errors"
	"MonadFlow/internal/task"
)

// Store 定义作业状态的持久化接口。
type Store interface {
	// Create 保存一个新的作业，ID 冲突时返回 ErrJobConflict。
	Create(ctx context.Context, j *Job) error
	// Get 返回指定作业，不存在时返回 ErrJobNotFound。
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 将作业置为运行中并累加尝试次数。已完成的作业返回
	// ErrJobCompleted，运行中的返回 ErrJobConflict，重试耗尽的返回
	// ErrJobExhausted。
	Claim(ctx context.Context, id string) (*Job, error)
	// MarkSucceeded 记录执行结果并将作业置为成功。
	MarkSucceeded(ctx context.Context, id string, result task.Result) error
	// MarkFailed 记录失败原因。terminal 指示是否不再重试。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// List 返回符合过滤条件的作业。
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	// Stats 统计符合过滤条件的作业数量与更新时间范围。
	Stats(ctx context.Context, opts ListOptions) (JobStats, error)
	// Close 释放底层资源。
	Close() error
}
