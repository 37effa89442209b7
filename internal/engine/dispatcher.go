// Package engine 将外部事件分发给所有活跃代理：逐代理评估规则，
// 并把通过的决策交给执行跟踪器创建执行。
package engine

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"AutoTip/internal/agent"
	"AutoTip/internal/budget"
	"AutoTip/internal/event"
	"AutoTip/internal/execution"
	"AutoTip/internal/rules"
	"AutoTip/pkg/logger"
)

const instrumentationName = "autotip/engine"

// AgentSource 提供参与评估的代理。
type AgentSource interface {
	ActiveAgents(ctx context.Context) ([]*agent.Agent, error)
}

// Evaluator 评估一个代理的全部规则。
type Evaluator interface {
	EvaluateAll(ctx context.Context, ev *event.Event, ag *agent.Agent) []rules.Decision
}

// Tracker 将通过的决策转换为执行。
type Tracker interface {
	Submit(ctx context.Context, d rules.Decision) (*execution.Execution, error)
}

// Rejection 记录评估通过但提交阶段被拒绝的决策。
type Rejection struct {
	AgentID string `json:"agentId"`
	RuleID  string `json:"ruleId"`
	Reason  string `json:"reason"`
}

// Report 汇总一次事件分发的结果。
type Report struct {
	Kind       event.Kind             `json:"kind"`
	Agents     int                    `json:"agents"`
	Decisions  []rules.Decision       `json:"decisions"`
	Executions []*execution.Execution `json:"executions"`
	Rejections []Rejection            `json:"rejections,omitempty"`
}

// Dispatcher 并发地为每个活跃代理评估事件。
type Dispatcher struct {
	agents      AgentSource
	evaluator   Evaluator
	tracker     Tracker
	concurrency int
	log         *slog.Logger
	tracer      trace.Tracer
	events      metric.Int64Counter
}

// Option 定义可选配置。
type Option func(*Dispatcher)

// WithConcurrency 限制同时评估的代理数量。
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(agents AgentSource, evaluator Evaluator, tracker Tracker, opts ...Option) *Dispatcher {
	counter, _ := otel.Meter(instrumentationName).Int64Counter("autotip.engine.events",
		metric.WithDescription("Events dispatched to agents by kind"))
	d := &Dispatcher{
		agents:      agents,
		evaluator:   evaluator,
		tracker:     tracker,
		concurrency: 16,
		log:         logger.Named("engine"),
		tracer:      otel.Tracer(instrumentationName),
		events:      counter,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// HandleEvent 将事件分发给所有活跃代理。单个代理的失败只记录在报告中，不会中断其他代理。
func (d *Dispatcher) HandleEvent(ctx context.Context, ev *event.Event) (*Report, error) {
	if ev == nil || !ev.Kind.Valid() {
		return nil, event.ErrUnknownShape
	}
	ctx, span := d.tracer.Start(ctx, "engine.handle_event",
		trace.WithAttributes(attribute.String("event.kind", string(ev.Kind))))
	defer span.End()
	if d.events != nil {
		d.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
	}

	agents, err := d.agents.ActiveAgents(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	report := &Report{Kind: ev.Kind, Agents: len(agents)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, ag := range agents {
		g.Go(func() error {
			decisions, execs, rejections := d.handleAgent(gctx, ev, ag)
			mu.Lock()
			report.Decisions = append(report.Decisions, decisions...)
			report.Executions = append(report.Executions, execs...)
			report.Rejections = append(report.Rejections, rejections...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	report.sort()

	span.SetAttributes(
		attribute.Int("engine.agents", report.Agents),
		attribute.Int("engine.executions", len(report.Executions)),
	)
	d.log.Debug("事件分发完成",
		slog.String("kind", string(ev.Kind)),
		slog.Int("agents", report.Agents),
		slog.Int("decisions", len(report.Decisions)),
		slog.Int("executions", len(report.Executions)),
	)
	return report, nil
}

func (d *Dispatcher) handleAgent(ctx context.Context, ev *event.Event, ag *agent.Agent) ([]rules.Decision, []*execution.Execution, []Rejection) {
	decisions := d.evaluator.EvaluateAll(ctx, ev, ag)
	var (
		execs      []*execution.Execution
		rejections []Rejection
	)
	for _, decision := range decisions {
		if !decision.ShouldExecute {
			continue
		}
		exec, err := d.tracker.Submit(ctx, decision)
		if err != nil {
			reason := err.Error()
			var rejected *budget.Rejection
			if stdErrors.As(err, &rejected) {
				reason = rejected.Reason
			} else {
				d.log.Error("创建执行失败",
					slog.Any("error", err),
					slog.String("agent_id", decision.AgentID),
					slog.String("rule_id", decision.RuleID))
			}
			rejections = append(rejections, Rejection{AgentID: decision.AgentID, RuleID: decision.RuleID, Reason: reason})
			continue
		}
		execs = append(execs, exec)
	}
	return decisions, execs, rejections
}

func (r *Report) sort() {
	sort.SliceStable(r.Decisions, func(i, j int) bool { return r.Decisions[i].AgentID < r.Decisions[j].AgentID })
	sort.SliceStable(r.Executions, func(i, j int) bool { return r.Executions[i].AgentID < r.Executions[j].AgentID })
	sort.SliceStable(r.Rejections, func(i, j int) bool { return r.Rejections[i].AgentID < r.Rejections[j].AgentID })
}
