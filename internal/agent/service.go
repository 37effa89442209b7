package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	"AutoTip/internal/budget"
	xerrors "AutoTip/internal/errors"
	"AutoTip/internal/units"
	"AutoTip/pkg/logger"
)

const (
	maxNameLength        = 100
	maxDescriptionLength = 1000
	maxRulesPerAgent     = 50
)

// TokenInfo 提供代币精度，用于把预算字符串换算为最小计价单位。
type TokenInfo interface {
	Decimals(network, token string) (int32, bool)
}

// BudgetInput 以代币为单位描述预算，例如 "0.05"。空字符串表示沿用原值。
type BudgetInput struct {
	Daily     string `json:"daily"`
	Monthly   string `json:"monthly"`
	PerTipMin string `json:"perTipMin"`
	PerTipMax string `json:"perTipMax"`
}

// CreateAgentInput 创建代理的参数。
type CreateAgentInput struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Network     string      `json:"network"`
	Token       string      `json:"token"`
	MatchMode   MatchMode   `json:"matchMode"`
	Status      Status      `json:"status"`
	Budget      BudgetInput `json:"budget"`
	Rules       []RuleInput `json:"rules"`
}

// UpdateAgentInput 局部更新代理，nil 字段保持不变。
type UpdateAgentInput struct {
	Name        *string      `json:"name"`
	Description *string      `json:"description"`
	Status      *Status      `json:"status"`
	Network     *string      `json:"network"`
	Token       *string      `json:"token"`
	MatchMode   *MatchMode   `json:"matchMode"`
	Budget      *BudgetInput `json:"budget"`
}

// RuleInput 创建规则的参数，Enabled 缺省为 true。
type RuleInput struct {
	Name       string        `json:"name"`
	Trigger    Trigger       `json:"trigger"`
	Condition  Condition     `json:"condition"`
	Amount     AmountSpec    `json:"amount"`
	Recipients RecipientSpec `json:"recipients"`
	Enabled    *bool         `json:"enabled"`
	Priority   int           `json:"priority"`
}

// RulePatch 局部更新规则。
type RulePatch struct {
	Name       *string        `json:"name"`
	Trigger    *Trigger       `json:"trigger"`
	Condition  *Condition     `json:"condition"`
	Amount     *AmountSpec    `json:"amount"`
	Recipients *RecipientSpec `json:"recipients"`
	Enabled    *bool          `json:"enabled"`
	Priority   *int           `json:"priority"`
}

// Service 负责代理与规则的增删改查，并接收执行结果的统计回写。
type Service struct {
	store          Store
	validateRule   func(Rule) error
	tokens         TokenInfo
	sanitizer      *bluemonday.Policy
	defaultNetwork string
	defaultToken   string
	now            func() time.Time
	log            *slog.Logger
}

// Option 定义可选的 Service 配置。
type Option func(*Service)

// WithRuleValidator 在保存规则前执行额外校验，例如条件语法树检查。
func WithRuleValidator(fn func(Rule) error) Option {
	return func(s *Service) {
		s.validateRule = fn
	}
}

// WithTokenInfo 设置代币精度来源。
func WithTokenInfo(tokens TokenInfo) Option {
	return func(s *Service) {
		s.tokens = tokens
	}
}

// WithDefaults 设置新建代理缺省的网络与代币。
func WithDefaults(network, token string) Option {
	return func(s *Service) {
		if network != "" {
			s.defaultNetwork = network
		}
		if token != "" {
			s.defaultToken = token
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造代理服务。
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:          store,
		sanitizer:      bluemonday.StrictPolicy(),
		defaultNetwork: "ethereum",
		defaultToken:   "ETH",
		now:            time.Now,
		log:            logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateAgent 创建代理及其初始规则。
func (s *Service) CreateAgent(ctx context.Context, ownerID string, in CreateAgentInput) (*Agent, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "代理存储未初始化")
	}
	now := s.now().UTC()
	ag := &Agent{
		ID:        uuid.NewString(),
		OwnerID:   strings.TrimSpace(ownerID),
		Status:    StatusActive,
		Network:   strings.TrimSpace(in.Network),
		Token:     strings.TrimSpace(in.Token),
		MatchMode: in.MatchMode,
		Stats:     Statistics{TotalAmountSent: decimal.Zero},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ag.Network == "" {
		ag.Network = s.defaultNetwork
	}
	if ag.Token == "" {
		ag.Token = s.defaultToken
	}
	if ag.MatchMode == "" {
		ag.MatchMode = MatchFirst
	}
	if in.Status != "" {
		ag.Status = in.Status
	}

	// 校验基础信息。
	var err error
	if ag.Name, err = s.cleanName(in.Name); err != nil {
		return nil, err
	}
	if ag.Description, err = s.cleanDescription(in.Description); err != nil {
		return nil, err
	}
	if err := validateAgentFields(ag); err != nil {
		return nil, err
	}

	// 解析预算。
	if strings.TrimSpace(in.Budget.Daily) == "" || strings.TrimSpace(in.Budget.Monthly) == "" {
		return nil, invalid("daily and monthly budgets are required")
	}
	ag.Budget, err = s.applyBudget(budget.Budget{LastResetDate: now}, in.Budget, ag.Network, ag.Token)
	if err != nil {
		return nil, err
	}

	// 初始规则。
	if len(in.Rules) > maxRulesPerAgent {
		return nil, invalid(fmt.Sprintf("an agent holds at most %d rules", maxRulesPerAgent))
	}
	for _, ruleIn := range in.Rules {
		rule, err := s.buildRule(ruleIn)
		if err != nil {
			return nil, err
		}
		ag.Rules = append(ag.Rules, rule)
	}
	if err := checkRuleTokens(ag); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, ag); err != nil {
		return nil, err
	}
	logger.Audit().Info("代理已创建",
		slog.String("agent_id", ag.ID),
		slog.String("owner_id", ag.OwnerID),
		slog.String("network", ag.Network),
		slog.Int("rules", len(ag.Rules)),
	)
	return ag.Clone(), nil
}

// Get 返回代理。ownerID 非空时只返回属于该调用者的代理。
func (s *Service) Get(ctx context.Context, ownerID, id string) (*Agent, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "代理存储未初始化")
	}
	ag, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !owns(ownerID, ag) {
		return nil, ErrAgentNotFound
	}
	return ag, nil
}

// List 返回符合过滤条件的代理。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Agent, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "代理存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// ActiveAgents 返回全部处于 active 状态的代理。
func (s *Service) ActiveAgents(ctx context.Context) ([]*Agent, error) {
	const page = 500
	var all []*Agent
	for offset := 0; ; offset += page {
		batch, err := s.List(ctx, WithStatuses(StatusActive), WithLimit(page), WithOffset(offset))
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < page {
			return all, nil
		}
	}
}

// UpdateAgent 局部更新代理。已删除的代理不可修改。
func (s *Service) UpdateAgent(ctx context.Context, ownerID, id string, in UpdateAgentInput) (*Agent, error) {
	updated, err := s.mutate(ctx, ownerID, id, func(ag *Agent) error {
		var err error
		if in.Name != nil {
			if ag.Name, err = s.cleanName(*in.Name); err != nil {
				return err
			}
		}
		if in.Description != nil {
			if ag.Description, err = s.cleanDescription(*in.Description); err != nil {
				return err
			}
		}
		if in.Status != nil {
			if *in.Status == StatusDeleted {
				return invalid("use delete to remove an agent")
			}
			ag.Status = *in.Status
		}
		prevNetwork, prevToken := ag.Network, ag.Token
		if in.Network != nil {
			ag.Network = strings.TrimSpace(*in.Network)
		}
		if in.Token != nil {
			ag.Token = strings.TrimSpace(*in.Token)
		}
		// 预算以代币最小单位存储，换链或换币后旧额度与已花费计数都失去意义。
		rebased := !strings.EqualFold(prevNetwork, ag.Network) || !strings.EqualFold(prevToken, ag.Token)
		if in.MatchMode != nil {
			ag.MatchMode = *in.MatchMode
		}
		if err := validateAgentFields(ag); err != nil {
			return err
		}
		if err := checkRuleTokens(ag); err != nil {
			return err
		}
		switch {
		case rebased:
			if in.Budget == nil || strings.TrimSpace(in.Budget.Daily) == "" || strings.TrimSpace(in.Budget.Monthly) == "" {
				return invalid("changing network or token requires new daily and monthly budgets")
			}
			fresh := budget.Budget{LastResetDate: s.now().UTC()}
			if ag.Budget, err = s.applyBudget(fresh, *in.Budget, ag.Network, ag.Token); err != nil {
				return err
			}
		case in.Budget != nil:
			if ag.Budget, err = s.applyBudget(ag.Budget, *in.Budget, ag.Network, ag.Token); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("代理已更新", slog.String("agent_id", id), slog.String("status", string(updated.Status)))
	return updated, nil
}

// DeleteAgent 软删除代理，保留统计与执行记录。
func (s *Service) DeleteAgent(ctx context.Context, ownerID, id string) error {
	_, err := s.mutate(ctx, ownerID, id, func(ag *Agent) error {
		ag.Status = StatusDeleted
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("代理已删除", slog.String("agent_id", id))
	return nil
}

// CreateRule 为代理追加规则。
func (s *Service) CreateRule(ctx context.Context, ownerID, agentID string, in RuleInput) (*Rule, error) {
	rule, err := s.buildRule(in)
	if err != nil {
		return nil, err
	}
	_, err = s.mutate(ctx, ownerID, agentID, func(ag *Agent) error {
		if len(ag.Rules) >= maxRulesPerAgent {
			return invalid(fmt.Sprintf("an agent holds at most %d rules", maxRulesPerAgent))
		}
		if !SameToken(rule.Amount.Token, ag.Token) {
			return tokenMismatch(rule, ag)
		}
		ag.Rules = append(ag.Rules, rule)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("规则已创建",
		slog.String("agent_id", agentID),
		slog.String("rule_id", rule.ID),
		slog.String("trigger", string(rule.Trigger)),
	)
	return &rule, nil
}

// UpdateRule 局部更新规则，计数器不受影响。
func (s *Service) UpdateRule(ctx context.Context, ownerID, agentID, ruleID string, patch RulePatch) (*Rule, error) {
	var result Rule
	_, err := s.mutate(ctx, ownerID, agentID, func(ag *Agent) error {
		rule, ok := ag.Rule(ruleID)
		if !ok {
			return ErrRuleNotFound
		}
		next := rule.clone()
		if patch.Name != nil {
			next.Name = strings.TrimSpace(s.sanitizer.Sanitize(*patch.Name))
		}
		if patch.Trigger != nil {
			next.Trigger = *patch.Trigger
		}
		if patch.Condition != nil {
			next.Condition = *patch.Condition
		}
		if patch.Amount != nil {
			next.Amount = *patch.Amount
		}
		if patch.Recipients != nil {
			next.Recipients = *patch.Recipients
		}
		if patch.Enabled != nil {
			next.Enabled = *patch.Enabled
		}
		if patch.Priority != nil {
			next.Priority = *patch.Priority
		}
		if err := s.validate(next); err != nil {
			return err
		}
		if !SameToken(next.Amount.Token, ag.Token) {
			return tokenMismatch(next, ag)
		}
		*rule = next
		result = next.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("规则已更新",
		slog.String("agent_id", agentID),
		slog.String("rule_id", ruleID),
		slog.Bool("enabled", result.Enabled),
	)
	return &result, nil
}

// DeleteRule 删除规则，该规则的历史触发计数仍保留在代理统计中。
func (s *Service) DeleteRule(ctx context.Context, ownerID, agentID, ruleID string) error {
	_, err := s.mutate(ctx, ownerID, agentID, func(ag *Agent) error {
		for i := range ag.Rules {
			if ag.Rules[i].ID == ruleID {
				ag.Rules = append(ag.Rules[:i], ag.Rules[i+1:]...)
				return nil
			}
		}
		return ErrRuleNotFound
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("规则已删除", slog.String("agent_id", agentID), slog.String("rule_id", ruleID))
	return nil
}

// LoadBudget 读取代理当前预算，供预算预留在锁内复核。
func (s *Service) LoadBudget(ctx context.Context, agentID string) (budget.Budget, error) {
	ag, err := s.store.Get(ctx, agentID)
	if err != nil {
		return budget.Budget{}, err
	}
	return ag.Budget, nil
}

// RecordExecution 回写执行结果，重复的执行 ID 会被忽略。
func (s *Service) RecordExecution(ctx context.Context, outcome Outcome) error {
	if outcome.At.IsZero() {
		outcome.At = s.now()
	}
	applied, err := s.store.ApplyExecution(ctx, outcome)
	if err != nil {
		return err
	}
	if !applied {
		s.log.Debug("执行结果已统计，忽略重复回写", slog.String("execution_id", outcome.ExecutionID))
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, ownerID, id string, fn func(*Agent) error) (*Agent, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "代理存储未初始化")
	}
	return s.store.Update(ctx, id, func(ag *Agent) error {
		if !owns(ownerID, ag) {
			return ErrAgentNotFound
		}
		if ag.Status == StatusDeleted {
			return ErrAgentDeleted
		}
		if err := fn(ag); err != nil {
			return err
		}
		ag.UpdatedAt = s.now().UTC()
		return nil
	})
}

func (s *Service) buildRule(in RuleInput) (Rule, error) {
	rule := Rule{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(s.sanitizer.Sanitize(in.Name)),
		Trigger:    in.Trigger,
		Condition:  in.Condition,
		Amount:     in.Amount,
		Recipients: in.Recipients,
		Enabled:    true,
		Priority:   in.Priority,
	}
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}
	if err := s.validate(rule); err != nil {
		return Rule{}, err
	}
	return rule.clone(), nil
}

// checkRuleTokens 要求规则金额与代理预算使用同一代币。
func checkRuleTokens(ag *Agent) error {
	for _, rule := range ag.Rules {
		if !SameToken(rule.Amount.Token, ag.Token) {
			return tokenMismatch(rule, ag)
		}
	}
	return nil
}

func tokenMismatch(rule Rule, ag *Agent) error {
	return invalid(fmt.Sprintf("rule amount token %q must match agent token %q", rule.Amount.Token, ag.Token))
}

func (s *Service) validate(rule Rule) error {
	switch rule.Trigger {
	case TriggerGitHub, TriggerTwitter, TriggerOnChain:
	default:
		return invalid(fmt.Sprintf("unsupported trigger %q", rule.Trigger))
	}
	switch rule.Amount.Type {
	case AmountFixed, AmountDynamic, AmountPercentage:
	default:
		return invalid(fmt.Sprintf("unsupported amount type %q", rule.Amount.Type))
	}
	switch rule.Recipients.Type {
	case RecipientGitHubUsername, RecipientTwitterUsername:
	case RecipientAddress, RecipientENS, RecipientExpression:
		if strings.TrimSpace(rule.Recipients.Value) == "" {
			return invalid("recipient value is required")
		}
	default:
		return invalid(fmt.Sprintf("unsupported recipient type %q", rule.Recipients.Type))
	}
	switch rule.Condition.OnUnmatched {
	case "", UnmatchedPass, UnmatchedFail:
	default:
		return invalid(fmt.Sprintf("unsupported onUnmatched policy %q", rule.Condition.OnUnmatched))
	}
	if s.validateRule != nil {
		if err := s.validateRule(rule); err != nil {
			return xerrors.Wrap(CodeAgentValidation, err, "invalid rule")
		}
	}
	return nil
}

func (s *Service) applyBudget(current budget.Budget, in BudgetInput, network, token string) (budget.Budget, error) {
	decimals := units.DefaultDecimals
	if s.tokens != nil {
		if d, ok := s.tokens.Decimals(network, token); ok {
			decimals = d
		}
	}
	next := current
	fields := []struct {
		name  string
		raw   string
		value *decimal.Decimal
	}{
		{"daily", in.Daily, &next.Daily},
		{"monthly", in.Monthly, &next.Monthly},
		{"perTipMin", in.PerTipMin, &next.PerTipMin},
		{"perTipMax", in.PerTipMax, &next.PerTipMax},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		parsed, err := units.Parse(f.raw, decimals)
		if err != nil {
			return budget.Budget{}, xerrors.Wrap(CodeAgentValidation, err, "invalid budget "+f.name)
		}
		*f.value = parsed
	}
	if strings.TrimSpace(in.PerTipMax) == "" && next.PerTipMax.IsZero() {
		next.PerTipMax = next.Daily
	}
	if err := next.Validate(); err != nil {
		return budget.Budget{}, err
	}
	return next, nil
}

func (s *Service) cleanName(name string) (string, error) {
	name = strings.TrimSpace(s.sanitizer.Sanitize(name))
	if name == "" {
		return "", invalid("agent name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", invalid(fmt.Sprintf("agent name exceeds %d characters", maxNameLength))
	}
	return name, nil
}

func (s *Service) cleanDescription(desc string) (string, error) {
	desc = strings.TrimSpace(s.sanitizer.Sanitize(desc))
	if utf8.RuneCountInString(desc) > maxDescriptionLength {
		return "", invalid(fmt.Sprintf("description exceeds %d characters", maxDescriptionLength))
	}
	return desc, nil
}

func validateAgentFields(ag *Agent) error {
	if ag.Status != StatusActive && ag.Status != StatusPaused {
		return invalid(fmt.Sprintf("unsupported status %q", ag.Status))
	}
	if ag.MatchMode != MatchFirst && ag.MatchMode != MatchAll {
		return invalid(fmt.Sprintf("unsupported match mode %q", ag.MatchMode))
	}
	if ag.Network == "" || ag.Token == "" {
		return invalid("network and token are required")
	}
	return nil
}

func owns(ownerID string, ag *Agent) bool {
	return ownerID == "" || ag.OwnerID == ownerID
}
