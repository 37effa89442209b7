package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	xerrors "AutoTip/internal/errors"
	"AutoTip/internal/web3"
	"AutoTip/pkg/logger"
)

// Processor 负责从队列消费执行并提交上链。
type Processor struct {
	service     *Service
	submitter   web3.Submitter
	consumer    Consumer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
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

// WithSubmitTimeout 设置单次提交的超时时间。
func WithSubmitTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(service *Service, submitter web3.Submitter, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		service:     service,
		submitter:   submitter,
		consumer:    consumer,
		workerCount: 1,
		timeout:     2 * time.Minute,
		tracer:      otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动执行处理循环，直到上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置执行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个执行 ID。重复投递或已终态的执行会被跳过。
func (p *Processor) Handle(ctx context.Context, id string) error {
	if p.service == nil || p.service.store == nil || p.submitter == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	svc := p.service
	exec, err := svc.store.Claim(ctx, id, svc.now())
	if err != nil {
		if stdErrors.Is(err, ErrExecutionNotFound) || stdErrors.Is(err, ErrInvalidTransition) {
			p.logDebug("跳过执行", slog.String("execution_id", id), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取执行失败", slog.Any("error", err), slog.String("execution_id", id))
		return err
	}
	svc.metrics.transition(ctx, StatusProcessing)

	ctx, span := p.tracer.Start(ctx, "execution.submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("execution.id", exec.ID),
			attribute.String("agent.id", exec.AgentID),
			attribute.String("transfer.network", exec.Network),
			attribute.String("transfer.token", exec.Token),
		))
	defer span.End()

	submitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	started := time.Now()
	txHash, submitErr := p.submitter.Submit(submitCtx, web3.Transfer{
		To:      exec.Recipient,
		Amount:  exec.Amount,
		Token:   exec.Token,
		Network: exec.Network,
	})
	cancel()
	svc.metrics.observe(ctx, time.Since(started), exec.Network, submitErr == nil)

	if submitErr != nil {
		span.RecordError(submitErr)
		span.SetStatus(codes.Error, "submit failed")
		cause := submitErr
		if stdErrors.Is(submitErr, context.DeadlineExceeded) {
			cause = xerrors.Wrap(xerrors.CodeTimeout, submitErr, "提交转账超时")
		}
		_, err := svc.markFailed(ctx, exec, CodeExecutionSubmit, cause, "submit")
		if stdErrors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return err
	}

	span.SetAttributes(attribute.String("transfer.tx_hash", txHash))
	_, err = svc.markCompleted(ctx, exec, txHash)
	return err
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		// 将slog.Attr转换为[]any
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}
