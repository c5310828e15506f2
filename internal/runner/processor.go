package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentResonance/internal/errors"
	"AgentResonance/internal/observability/alerting"
	"AgentResonance/pkg/logger"
)

// CodeRunnerFailure 表示 worker 驱动协商时出现了非预期错误。
const CodeRunnerFailure xerrors.Code = "RUNNER_FAILURE"

func init() {
	xerrors.Register(CodeRunnerFailure, xerrors.Attributes{
		Message:   "negotiation runner failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Runner 驱动一个已提交的协商直到终态。
type Runner interface {
	Run(ctx context.Context, negotiationID string) error
}

// Processor 负责从队列消费协商 ID 并交给 Runner 驱动。
type Processor struct {
	runner      Runner
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
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

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		consumer:    consumer,
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

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置协商消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, negotiationID string) (err error) {
	if p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(CodeRunnerFailure, fmt.Sprintf("驱动协商时发生 panic: %v", r))
			logger.L().Error("协商 worker panic", slog.String("negotiation_id", negotiationID), slog.Any("panic", r))
			p.emitAlert(ctx, negotiationID, err, "panic")
		}
	}()

	runErr := p.runner.Run(ctx, negotiationID)
	if runErr == nil {
		return nil
	}
	switch xerrors.CodeOf(runErr) {
	case xerrors.CodeNotFound, xerrors.CodeConflict:
		// 重复投递或会话已被淘汰。
		p.logDebug("跳过协商", slog.String("negotiation_id", negotiationID), slog.String("reason", runErr.Error()))
		return nil
	}

	logger.L().Error("驱动协商失败", slog.Any("error", runErr), slog.String("negotiation_id", negotiationID))
	p.emitAlert(ctx, negotiationID, runErr, "run")
	return runErr
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, negotiationID string, cause error, stage string) {
	if p == nil || p.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeRunnerFailure
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:          code,
		Message:       cause.Error(),
		Severity:      attrs.Severity,
		NegotiationID: negotiationID,
		Metadata:      map[string]string{"stage": stage},
		OccurredAt:    time.Now(),
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("negotiation_id", negotiationID),
			slog.String("stage", stage),
		)
	}
}
