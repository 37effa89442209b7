package agent

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"AutoTip/internal/budget"
	"AutoTip/internal/event"
)

// Status 表示代理的生命周期状态。
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusDeleted Status = "deleted"
)

// MatchMode 决定一个事件命中多条规则时的处理方式。
type MatchMode string

const (
	// MatchFirst 只执行优先级最高的命中规则。
	MatchFirst MatchMode = "first"
	// MatchAll 执行所有命中规则。
	MatchAll MatchMode = "all"
)

// Trigger 规则监听的事件来源。
type Trigger string

const (
	TriggerGitHub  Trigger = "github"
	TriggerTwitter Trigger = "twitter"
	TriggerOnChain Trigger = "onchain"
)

// Matches 判断触发器与事件结构是否一致。
func (t Trigger) Matches(kind event.Kind) bool {
	return string(t) == string(kind)
}

// UnmatchedPolicy 决定无法识别的条件文本按通过还是失败处理。
type UnmatchedPolicy string

const (
	UnmatchedPass UnmatchedPolicy = "pass"
	UnmatchedFail UnmatchedPolicy = "fail"
)

// AmountType 金额计算方式。
type AmountType string

const (
	AmountFixed      AmountType = "fixed"
	AmountDynamic    AmountType = "dynamic"
	AmountPercentage AmountType = "percentage"
)

// RecipientType 收款人选择方式。
type RecipientType string

const (
	RecipientAddress         RecipientType = "address"
	RecipientGitHubUsername  RecipientType = "github_username"
	RecipientTwitterUsername RecipientType = "twitter_username"
	RecipientENS             RecipientType = "ens"
	RecipientExpression      RecipientType = "expression"
)

// Node 是条件的类型化语法树节点。
type Node struct {
	Op    string `json:"op"`
	Field string `json:"field,omitempty"`
	Value any    `json:"value,omitempty"`
	Args  []Node `json:"args,omitempty"`
}

// Condition 规则条件，Node 非空时优先使用语法树。
type Condition struct {
	Expression  string          `json:"expression,omitempty"`
	Params      map[string]any  `json:"params,omitempty"`
	Node        *Node           `json:"node,omitempty"`
	OnUnmatched UnmatchedPolicy `json:"onUnmatched,omitempty"`
}

// AmountSpec 描述打赏金额。数值字段均为以代币为单位的十进制字符串。
type AmountSpec struct {
	Type      AmountType `json:"type"`
	Value     string     `json:"value"`
	Token     string     `json:"token,omitempty"`
	Metric    string     `json:"metric,omitempty"`
	Divisor   string     `json:"divisor,omitempty"`
	BonusRate string     `json:"bonusRate,omitempty"`
	MaxBonus  string     `json:"maxBonus,omitempty"`
	Base      string     `json:"base,omitempty"`
}

// RecipientSpec 描述收款人选择器。
type RecipientSpec struct {
	Type     RecipientType `json:"type"`
	Value    string        `json:"value"`
	Fallback string        `json:"fallback,omitempty"`
}

// Rule 是代理的一条打赏规则。
type Rule struct {
	ID              string        `json:"id"`
	Name            string        `json:"name,omitempty"`
	Trigger         Trigger       `json:"trigger"`
	Condition       Condition     `json:"condition"`
	Amount          AmountSpec    `json:"amount"`
	Recipients      RecipientSpec `json:"recipients"`
	Enabled         bool          `json:"enabled"`
	Priority        int           `json:"priority"`
	TriggerCount    int64         `json:"triggerCount"`
	LastTriggeredAt *time.Time    `json:"lastTriggeredAt,omitempty"`
}

// Statistics 代理累计统计。
type Statistics struct {
	TotalTips        int64            `json:"totalTips"`
	FailedTips       int64            `json:"failedTips"`
	TotalAmountSent  decimal.Decimal  `json:"totalAmountSent"`
	UniqueRecipients int64            `json:"uniqueRecipients"`
	SuccessRate      float64          `json:"successRate"`
	RuleTriggers     map[string]int64 `json:"ruleTriggers,omitempty"`
	LastExecutionAt  *time.Time       `json:"lastExecutionAt,omitempty"`
}

// Agent 是自动打赏代理。
type Agent struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"ownerId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      Status        `json:"status"`
	Network     string        `json:"network"`
	Token       string        `json:"token"`
	MatchMode   MatchMode     `json:"matchMode"`
	Rules       []Rule        `json:"rules"`
	Budget      budget.Budget `json:"budget"`
	Stats       Statistics    `json:"stats"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Active 判断代理是否处于可执行状态。
func (a *Agent) Active() bool {
	return a != nil && a.Status == StatusActive
}

// Rule 按 ID 查找规则。
func (a *Agent) Rule(id string) (*Rule, bool) {
	if a == nil {
		return nil, false
	}
	for i := range a.Rules {
		if a.Rules[i].ID == id {
			return &a.Rules[i], true
		}
	}
	return nil, false
}

// SameToken 判断规则金额代币是否与预算代币一致，空值表示沿用代理代币。
func SameToken(ruleToken, agentToken string) bool {
	ruleToken = strings.TrimSpace(ruleToken)
	return ruleToken == "" || strings.EqualFold(ruleToken, strings.TrimSpace(agentToken))
}

// Clone 返回深拷贝，存储层据此避免共享可变状态。
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Rules != nil {
		clone.Rules = make([]Rule, len(a.Rules))
		for i, rule := range a.Rules {
			clone.Rules[i] = rule.clone()
		}
	}
	if a.Stats.RuleTriggers != nil {
		clone.Stats.RuleTriggers = make(map[string]int64, len(a.Stats.RuleTriggers))
		for k, v := range a.Stats.RuleTriggers {
			clone.Stats.RuleTriggers[k] = v
		}
	}
	if a.Stats.LastExecutionAt != nil {
		ts := *a.Stats.LastExecutionAt
		clone.Stats.LastExecutionAt = &ts
	}
	return &clone
}

func (r Rule) clone() Rule {
	out := r
	if r.Condition.Params != nil {
		out.Condition.Params = make(map[string]any, len(r.Condition.Params))
		for k, v := range r.Condition.Params {
			out.Condition.Params[k] = v
		}
	}
	if r.Condition.Node != nil {
		node := r.Condition.Node.clone()
		out.Condition.Node = &node
	}
	if r.LastTriggeredAt != nil {
		ts := *r.LastTriggeredAt
		out.LastTriggeredAt = &ts
	}
	return out
}

func (n Node) clone() Node {
	out := n
	if n.Args != nil {
		out.Args = make([]Node, len(n.Args))
		for i, arg := range n.Args {
			out.Args[i] = arg.clone()
		}
	}
	return out
}
