package agent

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store 抽象了代理的持久化接口。Update 与 ApplyExecution 必须按代理串行执行。
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context, opts ListOptions) ([]*Agent, error)
	// Update 在同一代理的临界区内读取、修改并写回，mutate 返回错误时不写入。
	Update(ctx context.Context, id string, mutate func(*Agent) error) (*Agent, error)
	// ApplyExecution 将执行结果累加到统计与预算，同一执行 ID 只生效一次。
	ApplyExecution(ctx context.Context, outcome Outcome) (applied bool, err error)
	Close() error
}

// Outcome 描述一次到达终态的执行。
type Outcome struct {
	ExecutionID string
	AgentID     string
	RuleID      string
	Recipient   string
	Amount      decimal.Decimal
	Succeeded   bool
	At          time.Time
}

// ApplyOutcome 修改代理的统计、规则计数与预算。newRecipient 表示收款人此前未出现过。
func ApplyOutcome(ag *Agent, outcome Outcome, newRecipient bool) {
	at := outcome.At.UTC()
	stats := &ag.Stats
	if outcome.Succeeded {
		stats.TotalTips++
		stats.TotalAmountSent = stats.TotalAmountSent.Add(outcome.Amount)
		if newRecipient {
			stats.UniqueRecipients++
		}
		if stats.RuleTriggers == nil {
			stats.RuleTriggers = make(map[string]int64)
		}
		stats.RuleTriggers[outcome.RuleID]++
		if rule, ok := ag.Rule(outcome.RuleID); ok {
			rule.TriggerCount++
			rule.LastTriggeredAt = &at
		}
		ag.Budget = ag.Budget.Commit(outcome.Amount, at)
	} else {
		stats.FailedTips++
	}
	stats.LastExecutionAt = &at
	if total := stats.TotalTips + stats.FailedTips; total > 0 {
		stats.SuccessRate = float64(stats.TotalTips) / float64(total)
	}
	ag.UpdatedAt = at
}
