// Package rules decides, for one event, which of an agent's rules should
// produce a transfer: trigger and condition matching, amount calculation,
// budget checks and recipient resolution.
package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"AutoTip/internal/agent"
	"AutoTip/internal/event"
	"AutoTip/internal/identity"
	"AutoTip/internal/units"
)

// 拒绝原因。
const (
	ReasonAgentInactive    = "Agent is not active"
	ReasonRuleDisabled     = "Rule is disabled"
	ReasonTriggerMismatch  = "Trigger type does not match event"
	ReasonConditionNotMet  = "Condition not met"
	ReasonAmountFailed     = "Failed to calculate amount"
	ReasonRecipientFailure = "Failed to resolve recipient"
)

// Decision 是单条规则的评估结果。
type Decision struct {
	AgentID       string          `json:"agentId"`
	RuleID        string          `json:"ruleId"`
	ShouldExecute bool            `json:"shouldExecute"`
	Amount        decimal.Decimal `json:"amount"`
	Token         string          `json:"token,omitempty"`
	Network       string          `json:"network,omitempty"`
	Recipient     string          `json:"recipient,omitempty"`
	Errors        []string        `json:"errors,omitempty"`
}

func (d *Decision) reject(reason string) Decision {
	d.Errors = append(d.Errors, reason)
	return *d
}

// TokenInfo 提供代币精度。
type TokenInfo interface {
	Decimals(network, token string) (int32, bool)
}

// Pipeline 执行规则评估，本身无副作用，可并发调用。
type Pipeline struct {
	resolver    *Resolver
	tokens      TokenInfo
	onUnmatched agent.UnmatchedPolicy
	now         func() time.Time
	decisions   metric.Int64Counter
}

// Option 自定义 Pipeline。
type Option func(*pipelineOptions)

type pipelineOptions struct {
	onUnmatched   agent.UnmatchedPolicy
	lookupTimeout time.Duration
	tokens        TokenInfo
	now           func() time.Time
}

// WithUnmatchedPolicy 设置无法识别的条件文本的默认处理方式。
func WithUnmatchedPolicy(policy agent.UnmatchedPolicy) Option {
	return func(o *pipelineOptions) {
		if policy == agent.UnmatchedPass || policy == agent.UnmatchedFail {
			o.onUnmatched = policy
		}
	}
}

// WithLookupTimeout 限制单次收款人查询耗时。
func WithLookupTimeout(timeout time.Duration) Option {
	return func(o *pipelineOptions) {
		o.lookupTimeout = timeout
	}
}

// WithTokenInfo 设置代币精度来源，未设置时统一使用 18 位精度。
func WithTokenInfo(tokens TokenInfo) Option {
	return func(o *pipelineOptions) {
		o.tokens = tokens
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *pipelineOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewPipeline 创建评估流水线。
func NewPipeline(directory identity.Directory, opts ...Option) *Pipeline {
	o := pipelineOptions{
		onUnmatched:   agent.UnmatchedPass,
		lookupTimeout: 5 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	counter, _ := otel.Meter("autotip/rules").Int64Counter("autotip.rules.decisions",
		metric.WithDescription("Rule evaluations by outcome"))
	return &Pipeline{
		resolver:    NewResolver(directory, o.lookupTimeout),
		tokens:      o.tokens,
		onUnmatched: o.onUnmatched,
		now:         o.now,
		decisions:   counter,
	}
}

// Evaluate 按固定顺序评估一条规则，第一个不满足的步骤决定拒绝原因。
func (p *Pipeline) Evaluate(ctx context.Context, ev *event.Event, ag *agent.Agent, rule agent.Rule) Decision {
	decision := p.evaluate(ctx, ev, ag, rule)
	p.record(ctx, decision)
	return decision
}

func (p *Pipeline) evaluate(ctx context.Context, ev *event.Event, ag *agent.Agent, rule agent.Rule) Decision {
	d := Decision{RuleID: rule.ID, Amount: decimal.Zero}
	if ag != nil {
		d.AgentID = ag.ID
		d.Network = ag.Network
		d.Token = ag.Token
	}
	if rule.Amount.Token != "" {
		d.Token = rule.Amount.Token
	}

	// 代理与规则状态。
	if !ag.Active() {
		return d.reject(ReasonAgentInactive)
	}
	if !rule.Enabled {
		return d.reject(ReasonRuleDisabled)
	}
	if ev == nil || !rule.Trigger.Matches(ev.Kind) {
		return d.reject(ReasonTriggerMismatch)
	}

	// 条件。
	if !EvaluateCondition(rule.Condition, ev, p.onUnmatched) {
		return d.reject(ReasonConditionNotMet)
	}

	// 金额与预算。预算以代理代币的最小单位计，规则不能改用其他代币。
	if !agent.SameToken(rule.Amount.Token, ag.Token) {
		return d.reject(fmt.Sprintf("%s: token %s does not match budget token %s", ReasonAmountFailed, rule.Amount.Token, ag.Token))
	}
	amount, err := CalculateAmount(rule.Amount, ev, p.decimals(d.Network, d.Token))
	if err != nil {
		return d.reject(ReasonAmountFailed + ": " + err.Error())
	}
	d.Amount = amount
	if reason, ok := ag.Budget.Check(amount, decimal.Zero, p.now()); !ok {
		return d.reject(reason)
	}

	// 收款人。
	recipient, err := p.resolver.Resolve(ctx, rule.Recipients, ev)
	if err != nil {
		return d.reject(ReasonRecipientFailure)
	}
	d.Recipient = recipient
	d.ShouldExecute = true
	return d
}

// EvaluateAll 按优先级从高到低评估代理的全部规则。MatchFirst 模式在第一条通过的规则后停止。
func (p *Pipeline) EvaluateAll(ctx context.Context, ev *event.Event, ag *agent.Agent) []Decision {
	if ag == nil {
		return nil
	}
	ordered := OrderRules(ag.Rules)
	decisions := make([]Decision, 0, len(ordered))
	for _, rule := range ordered {
		if ctx.Err() != nil {
			break
		}
		decision := p.Evaluate(ctx, ev, ag, rule)
		decisions = append(decisions, decision)
		if decision.ShouldExecute && ag.MatchMode != agent.MatchAll {
			break
		}
	}
	return decisions
}

// OrderRules 返回按优先级降序排列的规则副本，同优先级保持声明顺序。
func OrderRules(list []agent.Rule) []agent.Rule {
	ordered := make([]agent.Rule, len(list))
	copy(ordered, list)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})
	return ordered
}

// ValidateRule 校验规则中可以提前发现的配置错误。
func ValidateRule(rule agent.Rule) error {
	if rule.Condition.Node != nil {
		if err := ValidateNode(*rule.Condition.Node); err != nil {
			return err
		}
	}
	sample := event.NewSocial("", time.Time{}, nil)
	if _, err := CalculateAmount(rule.Amount, sample, units.DefaultDecimals); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) decimals(network, token string) int32 {
	if p.tokens != nil {
		if d, ok := p.tokens.Decimals(network, token); ok {
			return d
		}
	}
	return units.DefaultDecimals
}

func (p *Pipeline) record(ctx context.Context, d Decision) {
	if p.decisions == nil {
		return
	}
	outcome := "execute"
	if !d.ShouldExecute && len(d.Errors) > 0 {
		outcome = d.Errors[0]
		if strings.HasPrefix(outcome, ReasonAmountFailed) {
			outcome = ReasonAmountFailed
		}
	}
	p.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
