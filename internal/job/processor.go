package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "MonadFlow/internal/errors"
	"MonadFlow/internal/observability/alerting"
	"MonadFlow/internal/task"
	"MonadFlow/pkg/logger"
)

// Executor 执行作业描述的链上任务。实现方负责解析网络、钱包与任务。
type Executor interface {
	Execute(ctx context.Context, req Request) (*task.Result, error)
}

// Processor 负责从队列消费作业并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动作业处理循环，阻塞直到上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	j, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) {
			p.logDebug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		return err
	}

	result, execErr := p.executor.Execute(ctx, Request{
		Network:  j.Network,
		Wallet:   j.Wallet,
		Task:     j.Task,
		Metadata: cloneMetadata(j.Metadata),
	})
	if execErr != nil {
		return p.handleExecutionFailure(ctx, j, execErr)
	}

	var record task.Result
	if result != nil {
		record = *result
	}
	if err := p.store.MarkSucceeded(ctx, j.ID, record); err != nil {
		logger.L().Error("标记作业成功状态失败", slog.Any("error", err), slog.String("job_id", j.ID))
		if storeErr := p.store.MarkFailed(ctx, j.ID, CodeJobProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("job_id", j.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, j.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, fmt.Sprintf("作业 %s 在标记成功失败后重投失败", j.ID), pubErr)
		}
		logger.Journal().Warn("job_requeued",
			slog.String("job_id", j.ID),
			slog.String("reason", "store_error"),
			slog.String("error", err.Error()),
		)
		return nil
	}
	logger.Journal().Info("job_succeeded",
		slog.String("job_id", j.ID),
		slog.String("task", j.Task.Type),
		slog.Int("txs", len(record.Txs)),
		slog.Int64("elapsed_ms", record.ElapsedMS),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, j *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := j.Attempts >= j.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, j, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeJobCompensate, "作业补偿失败", recErr)
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", wrapped),
				slog.String("job_id", j.ID))
			p.emitAlert(ctx, j, CodeJobCompensate, wrapped, "compensate")
		} else if fallback != nil {
			if fallback.Task == "" {
				fallback.Task = j.Task.Type
			}
			if fallback.Error == "" {
				fallback.Error = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.store.MarkSucceeded(ctx, j.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("job_id", j.ID))
				if storeErr := p.store.MarkFailed(ctx, j.ID, code, err.Error(), false); storeErr != nil {
					logger.L().Error("降级失败后的回写失败状态出错", slog.Any("error", storeErr), slog.String("job_id", j.ID))
					return storeErr
				}
				if pubErr := p.producer.Publish(ctx, j.ID); pubErr != nil {
					return xerrors.Wrap(CodeJobPublish, fmt.Sprintf("作业 %s 在降级失败后重投失败", j.ID), pubErr)
				}
				return nil
			}
			logger.Journal().Warn("job_degraded",
				slog.String("job_id", j.ID),
				slog.String("task", j.Task.Type),
				slog.String("error", fallback.Error),
			)
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, j.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记作业失败状态出错", slog.Any("error", storeErr), slog.String("job_id", j.ID))
		return storeErr
	}
	logger.Journal().Warn("job_failed",
		slog.String("job_id", j.ID),
		slog.String("task", j.Task.Type),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", j.Attempts),
		slog.Int("max_retries", j.MaxRetries),
	)

	if terminal {
		p.emitAlert(ctx, j, code, execErr, "terminal")
		return nil
	}
	if pubErr := p.producer.Publish(ctx, j.ID); pubErr != nil {
		return xerrors.Wrap(CodeJobPublish, fmt.Sprintf("作业 %s 重投失败", j.ID), pubErr)
	}
	p.logDebug("作业已重新排队", slog.String("job_id", j.ID), slog.Int("attempts", j.Attempts))
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, j *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || j == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if j.Network != "" {
		metadata["network"] = j.Network
	}
	if j.Wallet != "" {
		metadata["wallet"] = j.Wallet
	}
	if j.Task.Type != "" {
		metadata["task"] = j.Task.Type
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		JobID:      j.ID,
		Attempts:   j.Attempts,
		MaxRetries: j.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", j.ID),
			slog.String("stage", stage),
		)
	}
}
