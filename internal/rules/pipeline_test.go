package rules

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AutoTip/internal/agent"
	"AutoTip/internal/budget"
	"AutoTip/internal/event"
	"AutoTip/internal/identity"
	"AutoTip/internal/units"
)

const (
	aliceAddr    = "0x1111111111111111111111111111111111111111"
	fallbackAddr = "0x9999999999999999999999999999999999999999"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func testDirectory(t *testing.T) identity.Directory {
	t.Helper()
	dir, err := identity.NewStaticDirectory(identity.StaticFile{
		GitHub:  map[string]string{"alice": aliceAddr},
		Twitter: map[string]string{"carol": aliceAddr},
	})
	require.NoError(t, err)
	return dir
}

func newTestPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewPipeline(testDirectory(t), opts...)
}

func scenarioAgent(rules ...agent.Rule) *agent.Agent {
	return &agent.Agent{
		ID:        "agent-1",
		Status:    agent.StatusActive,
		Network:   "base",
		Token:     "ETH",
		MatchMode: agent.MatchFirst,
		Rules:     rules,
		Budget: budget.Budget{
			Daily:         units.Ether("0.05"),
			Monthly:       units.Ether("1"),
			PerTipMin:     units.Ether("0.001"),
			PerTipMax:     units.Ether("0.1"),
			LastResetDate: testNow,
		},
	}
}

func mergedRule() agent.Rule {
	return agent.Rule{
		ID:         "rule-merged",
		Trigger:    agent.TriggerGitHub,
		Condition:  agent.Condition{Expression: "merged"},
		Amount:     agent.AmountSpec{Type: agent.AmountFixed, Value: "0.01"},
		Recipients: agent.RecipientSpec{Type: agent.RecipientGitHubUsername},
		Enabled:    true,
	}
}

func mergedEvent(actor string) *event.Event {
	return event.NewCodeHosting("pull_request", "acme/app", actor, testNow, map[string]any{"merged": true})
}

func TestScenarioAFixedAmountAccepted(t *testing.T) {
	p := newTestPipeline(t)
	ag := scenarioAgent(mergedRule())

	d := p.Evaluate(context.Background(), mergedEvent("alice"), ag, ag.Rules[0])
	require.True(t, d.ShouldExecute, "errors: %v", d.Errors)
	assert.True(t, d.Amount.Equal(units.Ether("0.01")))
	assert.Equal(t, aliceAddr, d.Recipient)
	assert.Equal(t, "base", d.Network)
	assert.Equal(t, "ETH", d.Token)

	committed := ag.Budget.Commit(d.Amount, testNow)
	assert.True(t, committed.CurrentDailySpent.Equal(units.Ether("0.01")))
}

func TestScenarioBDailyBudgetExceeded(t *testing.T) {
	p := newTestPipeline(t)
	ag := scenarioAgent(mergedRule())
	ag.Budget.CurrentDailySpent = units.Ether("0.045")

	d := p.Evaluate(context.Background(), mergedEvent("alice"), ag, ag.Rules[0])
	assert.False(t, d.ShouldExecute)
	assert.Equal(t, []string{budget.ReasonDailyExceeded}, d.Errors)
}

func TestScenarioCDisabledRule(t *testing.T) {
	p := newTestPipeline(t)
	rule := mergedRule()
	rule.Enabled = false
	ag := scenarioAgent(rule)

	d := p.Evaluate(context.Background(), mergedEvent("alice"), ag, rule)
	assert.False(t, d.ShouldExecute)
	assert.Equal(t, []string{ReasonRuleDisabled}, d.Errors)

	decisions := p.EvaluateAll(context.Background(), mergedEvent("alice"), ag)
	for _, dec := range decisions {
		assert.False(t, dec.ShouldExecute)
	}
}

func TestScenarioDDynamicBonusCapped(t *testing.T) {
	spec := agent.AmountSpec{Type: agent.AmountDynamic, Value: "0.001", Divisor: "1000", BonusRate: "0.01", MaxBonus: "0.01"}
	ev := event.NewSocial("carol", testNow, map[string]any{"likes": 5000})

	amount, err := CalculateAmount(spec, ev, units.DefaultDecimals)
	require.NoError(t, err)
	assert.True(t, amount.Equal(units.Ether("0.011")), "got %s", amount)

	defaults, err := CalculateAmount(agent.AmountSpec{Type: agent.AmountDynamic, Value: "0.001"}, ev, units.DefaultDecimals)
	require.NoError(t, err)
	assert.True(t, defaults.Equal(amount))
}

func TestScenarioEUnresolvedRecipient(t *testing.T) {
	p := newTestPipeline(t)
	ag := scenarioAgent(mergedRule())

	d := p.Evaluate(context.Background(), mergedEvent("stranger"), ag, ag.Rules[0])
	assert.False(t, d.ShouldExecute)
	assert.Equal(t, []string{ReasonRecipientFailure}, d.Errors)

	withFallback := mergedRule()
	withFallback.Recipients.Fallback = fallbackAddr
	d = p.Evaluate(context.Background(), mergedEvent("stranger"), ag, withFallback)
	require.True(t, d.ShouldExecute)
	assert.Equal(t, fallbackAddr, d.Recipient)
}

func TestInactiveAgentNeverExecutes(t *testing.T) {
	p := newTestPipeline(t)
	for _, status := range []agent.Status{agent.StatusPaused, agent.StatusDeleted} {
		ag := scenarioAgent(mergedRule())
		ag.Status = status
		d := p.Evaluate(context.Background(), mergedEvent("alice"), ag, ag.Rules[0])
		assert.False(t, d.ShouldExecute)
		assert.Equal(t, []string{ReasonAgentInactive}, d.Errors)
	}
}

func TestTriggerMismatch(t *testing.T) {
	p := newTestPipeline(t)
	ag := scenarioAgent(mergedRule())
	ev := event.NewSocial("carol", testNow, map[string]any{"likes": 10})
	d := p.Evaluate(context.Background(), ev, ag, ag.Rules[0])
	assert.Equal(t, []string{ReasonTriggerMismatch}, d.Errors)
}

func TestConditionAndAmountFailures(t *testing.T) {
	p := newTestPipeline(t)
	ag := scenarioAgent()

	notMerged := event.NewCodeHosting("pull_request", "acme/app", "alice", testNow, map[string]any{"merged": false})
	d := p.Evaluate(context.Background(), notMerged, ag, mergedRule())
	assert.Equal(t, []string{ReasonConditionNotMet}, d.Errors)

	bad := mergedRule()
	bad.Amount.Value = "lots"
	d = p.Evaluate(context.Background(), mergedEvent("alice"), ag, bad)
	require.Len(t, d.Errors, 1)
	assert.Contains(t, d.Errors[0], ReasonAmountFailed+": ")

	tiny := mergedRule()
	tiny.Amount.Value = "0.0001"
	d = p.Evaluate(context.Background(), mergedEvent("alice"), ag, tiny)
	assert.Equal(t, []string{budget.ReasonBelowMinimum}, d.Errors)
}

func TestEvaluateAllOrdersByPriorityAndHonoursMatchMode(t *testing.T) {
	p := newTestPipeline(t)
	low := mergedRule()
	low.ID = "low"
	low.Priority = 1
	high := mergedRule()
	high.ID = "high"
	high.Priority = 10
	high.Amount.Value = "0.02"
	disabled := mergedRule()
	disabled.ID = "disabled"
	disabled.Priority = 100
	disabled.Enabled = false

	ag := scenarioAgent(low, high, disabled)
	decisions := p.EvaluateAll(context.Background(), mergedEvent("alice"), ag)
	require.Len(t, decisions, 2)
	assert.Equal(t, "disabled", decisions[0].RuleID)
	assert.False(t, decisions[0].ShouldExecute)
	assert.Equal(t, "high", decisions[1].RuleID)
	assert.True(t, decisions[1].ShouldExecute)

	ag.MatchMode = agent.MatchAll
	decisions = p.EvaluateAll(context.Background(), mergedEvent("alice"), ag)
	require.Len(t, decisions, 3)
	assert.Equal(t, "low", decisions[2].RuleID)
	assert.True(t, decisions[2].ShouldExecute)
}

func TestOrderRulesIsStable(t *testing.T) {
	ordered := OrderRules([]agent.Rule{{ID: "a"}, {ID: "b", Priority: 2}, {ID: "c"}, {ID: "d", Priority: 2}})
	ids := make([]string, 0, len(ordered))
	for _, r := range ordered {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, ids)
}

type fixedDecimals map[string]int32

func (f fixedDecimals) Decimals(_, token string) (int32, bool) {
	d, ok := f[token]
	return d, ok
}

func TestRuleTokenOtherThanBudgetTokenIsRejected(t *testing.T) {
	p := newTestPipeline(t, WithTokenInfo(fixedDecimals{"ETH": 18, "USDC": 6}))
	rule := mergedRule()
	rule.Amount = agent.AmountSpec{Type: agent.AmountFixed, Value: "50000", Token: "USDC"}
	ag := scenarioAgent(rule)
	ag.Budget.PerTipMin = decimal.Zero

	d := p.Evaluate(context.Background(), mergedEvent("alice"), ag, rule)
	assert.False(t, d.ShouldExecute)
	require.Len(t, d.Errors, 1)
	assert.True(t, strings.HasPrefix(d.Errors[0], ReasonAmountFailed), d.Errors[0])
	assert.Contains(t, d.Errors[0], "USDC")
	assert.True(t, d.Amount.IsZero())
}

func TestAgentTokenDecimalsScaleAmount(t *testing.T) {
	p := newTestPipeline(t, WithTokenInfo(fixedDecimals{"ETH": 18, "USDC": 6}))
	rule := mergedRule()
	rule.Amount = agent.AmountSpec{Type: agent.AmountFixed, Value: "2.5"}
	ag := scenarioAgent(rule)
	ag.Token = "USDC"
	usdc := func(v string) decimal.Decimal { return units.MustParse(v, 6) }
	ag.Budget.Daily, ag.Budget.Monthly = usdc("100"), usdc("1000")
	ag.Budget.PerTipMin, ag.Budget.PerTipMax = usdc("1"), usdc("10")

	d := p.Evaluate(context.Background(), mergedEvent("alice"), ag, rule)
	require.True(t, d.ShouldExecute, "errors: %v", d.Errors)
	assert.Equal(t, "USDC", d.Token)
	assert.True(t, d.Amount.Equal(decimal.NewFromInt(2_500_000)))

	rule.Amount.Value = "20"
	d = p.Evaluate(context.Background(), mergedEvent("alice"), ag, rule)
	assert.Equal(t, []string{budget.ReasonAboveMaximum}, d.Errors)
}

func TestUnmatchedPolicyIsConfigurable(t *testing.T) {
	rule := mergedRule()
	rule.Condition = agent.Condition{Expression: "the moon is full"}
	ag := scenarioAgent(rule)

	pass := newTestPipeline(t)
	assert.True(t, pass.Evaluate(context.Background(), mergedEvent("alice"), ag, rule).ShouldExecute)

	fail := newTestPipeline(t, WithUnmatchedPolicy(agent.UnmatchedFail))
	d := fail.Evaluate(context.Background(), mergedEvent("alice"), ag, rule)
	assert.Equal(t, []string{ReasonConditionNotMet}, d.Errors)

	rule.Condition.OnUnmatched = agent.UnmatchedPass
	assert.True(t, fail.Evaluate(context.Background(), mergedEvent("alice"), ag, rule).ShouldExecute)
}

func TestValidateRule(t *testing.T) {
	require.NoError(t, ValidateRule(mergedRule()))

	bad := mergedRule()
	bad.Amount = agent.AmountSpec{Type: "random"}
	assert.Error(t, ValidateRule(bad))

	node := mergedRule()
	node.Condition.Node = &agent.Node{Op: "xor"}
	assert.Error(t, ValidateRule(node))
}
