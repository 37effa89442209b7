package execution

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"AutoTip/internal/agent"
	"AutoTip/internal/budget"
	xerrors "AutoTip/internal/errors"
	"AutoTip/internal/observability/alerting"
	"AutoTip/internal/rules"
	"AutoTip/pkg/logger"
)

// Registry 是执行跟踪所需的代理能力，agent.Service 满足该接口。
type Registry interface {
	LoadBudget(ctx context.Context, agentID string) (budget.Budget, error)
	RecordExecution(ctx context.Context, outcome agent.Outcome) error
}

// Service 负责执行的创建、状态迁移与查询。
type Service struct {
	store    Store
	producer Producer
	guard    *budget.Guard
	registry Registry
	alerter  alerting.Dispatcher
	now      func() time.Time
	log      *slog.Logger
	metrics  *instruments
}

// Option 定义可选配置。
type Option func(*Service)

// WithAlertDispatcher 配置死信告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Service) {
		s.alerter = dispatcher
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService 构造执行服务。guard 为 nil 时使用进程内预算守卫。
func NewService(store Store, producer Producer, guard *budget.Guard, registry Registry, opts ...Option) *Service {
	if guard == nil {
		guard = budget.NewMemoryGuard()
	}
	s := &Service{
		store:    store,
		producer: producer,
		guard:    guard,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.Named("execution"),
		metrics:  newInstruments(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 在代理预算锁内复核并预留额度，创建 pending 执行并投递到队列。
// 预算不足时返回匹配 budget.ErrRejected 的错误。
func (s *Service) Submit(ctx context.Context, d rules.Decision) (*Execution, error) {
	if err := validateDecision(d); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil || s.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行服务未初始化")
	}

	id := uuid.NewString()
	load := func(ctx context.Context) (budget.Budget, error) {
		return s.registry.LoadBudget(ctx, d.AgentID)
	}
	if err := s.guard.Reserve(ctx, d.AgentID, id, d.Amount, load); err != nil {
		if stdErrors.Is(err, budget.ErrRejected) {
			s.log.Debug("预算复核未通过", slog.String("agent_id", d.AgentID), slog.String("rule_id", d.RuleID), slog.String("reason", err.Error()))
		}
		return nil, err
	}

	now := s.now()
	exec := &Execution{
		ID:        id,
		AgentID:   d.AgentID,
		RuleID:    d.RuleID,
		Recipient: d.Recipient,
		Amount:    d.Amount,
		Token:     d.Token,
		Network:   d.Network,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, exec); err != nil {
		s.release(ctx, exec)
		return nil, err
	}
	s.metrics.transition(ctx, StatusPending)

	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("执行入队失败", slog.Any("error", err), slog.String("execution_id", id))
		wrapped := xerrors.Wrap(CodeExecutionPublish, err, "发布执行到队列失败")
		if _, failErr := s.markFailed(ctx, exec, CodeExecutionPublish, wrapped, "publish"); failErr != nil {
			return nil, stdErrors.Join(wrapped, failErr)
		}
		return nil, wrapped
	}

	logger.Audit().Info("执行已提交",
		slog.String("execution_id", id),
		slog.String("agent_id", exec.AgentID),
		slog.String("rule_id", exec.RuleID),
		slog.String("recipient", exec.Recipient),
		slog.String("amount", exec.Amount.String()),
		slog.String("token", exec.Token),
		slog.String("network", exec.Network),
	)
	return exec.Clone(), nil
}

// Get 返回指定执行。
func (s *Service) Get(ctx context.Context, id string) (*Execution, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的执行列表，默认最新的在前。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Execution, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的执行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// WaitUntilTerminal 在上下文有效期内轮询执行状态，直到进入终态。
func (s *Service) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Execution, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		exec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// markCompleted 记录成功并结算。
func (s *Service) markCompleted(ctx context.Context, exec *Execution, txHash string) (*Execution, error) {
	done, err := s.store.Complete(ctx, exec.ID, txHash, s.now())
	if err != nil {
		// 交易已发出但状态未能落库，必须人工介入。
		logger.L().Error("标记执行完成失败",
			slog.Any("error", err),
			slog.String("execution_id", exec.ID),
			slog.String("tx_hash", txHash))
		s.emitAlert(ctx, exec, CodeExecutionSettle, err, "complete", map[string]string{"tx_hash": txHash})
		if stdErrors.Is(err, ErrInvalidTransition) {
			return done, nil
		}
		return nil, err
	}
	s.metrics.transition(ctx, StatusCompleted)
	logger.Audit().Info("执行已完成",
		slog.String("execution_id", done.ID),
		slog.String("agent_id", done.AgentID),
		slog.String("rule_id", done.RuleID),
		slog.String("recipient", done.Recipient),
		slog.String("amount", done.Amount.String()),
		slog.String("tx_hash", txHash),
	)
	return done, s.settle(ctx, done)
}

// markFailed 记录失败、结算并发送死信告警。
func (s *Service) markFailed(ctx context.Context, exec *Execution, code xerrors.Code, cause error, stage string) (*Execution, error) {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	failed, err := s.store.Fail(ctx, exec.ID, string(code), message, s.now())
	if err != nil {
		if !stdErrors.Is(err, ErrInvalidTransition) {
			logger.L().Error("标记执行失败状态出错", slog.Any("error", err), slog.String("execution_id", exec.ID))
		}
		return failed, err
	}
	s.metrics.transition(ctx, StatusFailed)
	logger.Audit().Warn("执行失败",
		slog.String("execution_id", failed.ID),
		slog.String("agent_id", failed.AgentID),
		slog.String("rule_id", failed.RuleID),
		slog.String("stage", stage),
		slog.String("error_code", string(code)),
		slog.String("error", message),
	)
	s.emitAlert(ctx, failed, code, cause, stage, nil)
	return failed, s.settle(ctx, failed)
}

// settle 将终态执行回写到代理统计并释放预留额度。
// 回写失败时保留预留，额度宁可多占也不能漏算。
func (s *Service) settle(ctx context.Context, exec *Execution) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.registry.RecordExecution(ctx, exec.Outcome()); err != nil {
		wrapped := xerrors.Wrap(CodeExecutionSettle, err, "回写代理统计失败")
		logger.L().Error("回写代理统计失败", slog.Any("error", err), slog.String("execution_id", exec.ID))
		s.emitAlert(ctx, exec, CodeExecutionSettle, wrapped, "settle", nil)
		return wrapped
	}
	s.release(ctx, exec)
	return nil
}

func (s *Service) release(ctx context.Context, exec *Execution) {
	if err := s.guard.Release(context.WithoutCancel(ctx), exec.AgentID, exec.ID); err != nil {
		logger.L().Warn("释放预算预留失败", slog.Any("error", err), slog.String("execution_id", exec.ID))
	}
}

func (s *Service) emitAlert(ctx context.Context, exec *Execution, code xerrors.Code, cause error, stage string, extra map[string]string) {
	if s.alerter == nil || exec == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"recipient": exec.Recipient,
		"amount":    exec.Amount.String(),
		"token":     exec.Token,
		"network":   exec.Network,
	}
	for k, v := range extra {
		metadata[k] = v
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		Stage:       stage,
		ExecutionID: exec.ID,
		AgentID:     exec.AgentID,
		RuleID:      exec.RuleID,
		Metadata:    metadata,
		OccurredAt:  s.now(),
	}
	if err := s.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("execution_id", exec.ID),
			slog.String("stage", stage),
		)
	}
}

func validateDecision(d rules.Decision) error {
	switch {
	case !d.ShouldExecute:
		return xerrors.New(CodeExecutionValidation, "决策未通过，不能创建执行")
	case strings.TrimSpace(d.AgentID) == "" || strings.TrimSpace(d.RuleID) == "":
		return xerrors.New(CodeExecutionValidation, "代理与规则 ID 不能为空")
	case strings.TrimSpace(d.Recipient) == "":
		return xerrors.New(CodeExecutionValidation, "收款地址不能为空")
	case !d.Amount.IsPositive():
		return xerrors.New(CodeExecutionValidation, "转账金额必须大于 0")
	}
	return nil
}
