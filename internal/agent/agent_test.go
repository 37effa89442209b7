package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"AutoTip/internal/units"
)

var fixedNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestService(opts ...Option) *Service {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewService(NewMemoryStore(), opts...)
}

func sampleInput() CreateAgentInput {
	return CreateAgentInput{
		Name:        "<b>Maintainer</b> tips",
		Description: "Tips merged pull requests<script>alert(1)</script>",
		Network:     "base",
		Budget:      BudgetInput{Daily: "0.05", Monthly: "1", PerTipMin: "0.001", PerTipMax: "0.1"},
		Rules: []RuleInput{{
			Name:       "merged",
			Trigger:    TriggerGitHub,
			Condition:  Condition{Expression: "merged"},
			Amount:     AmountSpec{Type: AmountFixed, Value: "0.01"},
			Recipients: RecipientSpec{Type: RecipientGitHubUsername},
		}},
	}
}

func TestCreateAgentAppliesDefaultsAndSanitizes(t *testing.T) {
	svc := newTestService()
	ag, err := svc.CreateAgent(context.Background(), "owner-1", sampleInput())
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if ag.Name != "Maintainer tips" {
		t.Fatalf("expected sanitized name, got %q", ag.Name)
	}
	if ag.Description != "Tips merged pull requests" {
		t.Fatalf("expected sanitized description, got %q", ag.Description)
	}
	if ag.Status != StatusActive || ag.MatchMode != MatchFirst || ag.Token != "ETH" {
		t.Fatalf("unexpected defaults: %+v", ag)
	}
	if !ag.Budget.Daily.Equal(units.Ether("0.05")) || !ag.Budget.PerTipMin.Equal(units.Ether("0.001")) {
		t.Fatalf("unexpected budget: %+v", ag.Budget)
	}
	if len(ag.Rules) != 1 || !ag.Rules[0].Enabled || ag.Rules[0].ID == "" {
		t.Fatalf("unexpected rules: %+v", ag.Rules)
	}
}

func TestCreateAgentValidation(t *testing.T) {
	svc := newTestService()
	cases := map[string]func(*CreateAgentInput){
		"missing name":     func(in *CreateAgentInput) { in.Name = "<i></i>" },
		"missing budget":   func(in *CreateAgentInput) { in.Budget.Daily = "" },
		"bad budget":       func(in *CreateAgentInput) { in.Budget.Monthly = "lots" },
		"min above max":    func(in *CreateAgentInput) { in.Budget.PerTipMin = "1" },
		"bad match mode":   func(in *CreateAgentInput) { in.MatchMode = "some" },
		"bad trigger":      func(in *CreateAgentInput) { in.Rules[0].Trigger = "email" },
		"bad amount type":  func(in *CreateAgentInput) { in.Rules[0].Amount.Type = "random" },
		"missing address":  func(in *CreateAgentInput) { in.Rules[0].Recipients = RecipientSpec{Type: RecipientAddress} },
		"bad policy":       func(in *CreateAgentInput) { in.Rules[0].Condition.OnUnmatched = "maybe" },
		"deleted at birth": func(in *CreateAgentInput) { in.Status = StatusDeleted },
	}
	for name, mutate := range cases {
		in := sampleInput()
		mutate(&in)
		if _, err := svc.CreateAgent(context.Background(), "owner", in); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestRuleValidatorIsConsulted(t *testing.T) {
	boom := errors.New("bad node")
	svc := newTestService(WithRuleValidator(func(Rule) error { return boom }))
	_, err := svc.CreateAgent(context.Background(), "owner", sampleInput())
	if !errors.Is(err, boom) {
		t.Fatalf("expected validator error, got %v", err)
	}
}

func TestUpdateAndSoftDelete(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	ag, err := svc.CreateAgent(ctx, "owner", sampleInput())
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	paused := StatusPaused
	updated, err := svc.UpdateAgent(ctx, "owner", ag.ID, UpdateAgentInput{
		Status: &paused,
		Budget: &BudgetInput{Daily: "0.2"},
	})
	if err != nil {
		t.Fatalf("update agent: %v", err)
	}
	if updated.Status != StatusPaused || !updated.Budget.Daily.Equal(units.Ether("0.2")) {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if !updated.Budget.Monthly.Equal(units.Ether("1")) {
		t.Fatalf("partial budget update must keep monthly cap")
	}

	if _, err := svc.UpdateAgent(ctx, "intruder", ag.ID, UpdateAgentInput{Status: &paused}); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected not found for foreign owner, got %v", err)
	}

	if err := svc.DeleteAgent(ctx, "owner", ag.ID); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	got, err := svc.Get(ctx, "owner", ag.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got.Status != StatusDeleted {
		t.Fatalf("expected soft delete, got %s", got.Status)
	}
	if _, err := svc.UpdateAgent(ctx, "owner", ag.ID, UpdateAgentInput{Status: &paused}); !errors.Is(err, ErrAgentDeleted) {
		t.Fatalf("expected deleted agent to be immutable, got %v", err)
	}
}

func TestRuleCRUD(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	ag, err := svc.CreateAgent(ctx, "owner", sampleInput())
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	disabled := false
	rule, err := svc.CreateRule(ctx, "owner", ag.ID, RuleInput{
		Trigger:    TriggerTwitter,
		Condition:  Condition{Expression: "likes > 100"},
		Amount:     AmountSpec{Type: AmountDynamic, Value: "0.001"},
		Recipients: RecipientSpec{Type: RecipientTwitterUsername},
		Enabled:    &disabled,
		Priority:   5,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if rule.Enabled {
		t.Fatalf("expected disabled rule")
	}

	enabled := true
	priority := 9
	updated, err := svc.UpdateRule(ctx, "owner", ag.ID, rule.ID, RulePatch{Enabled: &enabled, Priority: &priority})
	if err != nil {
		t.Fatalf("update rule: %v", err)
	}
	if !updated.Enabled || updated.Priority != 9 || updated.Trigger != TriggerTwitter {
		t.Fatalf("unexpected rule after patch: %+v", updated)
	}

	if _, err := svc.UpdateRule(ctx, "owner", ag.ID, "missing", RulePatch{}); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected rule not found, got %v", err)
	}

	if err := svc.DeleteRule(ctx, "owner", ag.ID, rule.ID); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	got, _ := svc.Get(ctx, "", ag.ID)
	if len(got.Rules) != 1 {
		t.Fatalf("expected one rule left, got %d", len(got.Rules))
	}
}

type tokenDecimals map[string]int32

func (d tokenDecimals) Decimals(_, token string) (int32, bool) {
	v, ok := d[token]
	return v, ok
}

func TestRuleTokenMustMatchAgentToken(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	in := sampleInput()
	in.Rules[0].Amount.Token = "USDC"
	if _, err := svc.CreateAgent(ctx, "owner", in); err == nil {
		t.Fatal("expected USDC rule on an ETH agent to be rejected")
	}

	ag, err := svc.CreateAgent(ctx, "owner", sampleInput())
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	usdc := RuleInput{
		Trigger:    TriggerGitHub,
		Condition:  Condition{Expression: "merged"},
		Amount:     AmountSpec{Type: AmountFixed, Value: "50000", Token: "USDC"},
		Recipients: RecipientSpec{Type: RecipientGitHubUsername},
	}
	if _, err := svc.CreateRule(ctx, "owner", ag.ID, usdc); err == nil {
		t.Fatal("expected create rule with foreign token to fail")
	}
	eth := usdc
	eth.Amount = AmountSpec{Type: AmountFixed, Value: "0.01", Token: "eth"}
	if _, err := svc.CreateRule(ctx, "owner", ag.ID, eth); err != nil {
		t.Fatalf("token match should ignore case: %v", err)
	}

	foreign := AmountSpec{Type: AmountFixed, Value: "1", Token: "USDC"}
	if _, err := svc.UpdateRule(ctx, "owner", ag.ID, ag.Rules[0].ID, RulePatch{Amount: &foreign}); err == nil {
		t.Fatal("expected update rule with foreign token to fail")
	}
	got, _ := svc.Get(ctx, "", ag.ID)
	if got.Rules[0].Amount.Token != "" {
		t.Fatalf("rejected patch must not be stored: %+v", got.Rules[0].Amount)
	}
}

func TestChangingTokenRequiresNewBudget(t *testing.T) {
	svc := newTestService(WithTokenInfo(tokenDecimals{"ETH": 18, "USDC": 6}))
	ctx := context.Background()
	ag, err := svc.CreateAgent(ctx, "owner", sampleInput())
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	spent := Outcome{
		ExecutionID: "exec-1",
		AgentID:     ag.ID,
		RuleID:      ag.Rules[0].ID,
		Recipient:   "0x1111111111111111111111111111111111111111",
		Amount:      units.Ether("0.01"),
		Succeeded:   true,
		At:          fixedNow,
	}
	if err := svc.RecordExecution(ctx, spent); err != nil {
		t.Fatalf("record execution: %v", err)
	}

	usdc := "USDC"
	if _, err := svc.UpdateAgent(ctx, "owner", ag.ID, UpdateAgentInput{Token: &usdc}); err == nil {
		t.Fatal("expected token change without a budget to fail")
	}
	if _, err := svc.UpdateAgent(ctx, "owner", ag.ID, UpdateAgentInput{Token: &usdc, Budget: &BudgetInput{Daily: "100"}}); err == nil {
		t.Fatal("expected token change with a partial budget to fail")
	}
	arbitrum := "arbitrum"
	if _, err := svc.UpdateAgent(ctx, "owner", ag.ID, UpdateAgentInput{Network: &arbitrum}); err == nil {
		t.Fatal("expected network change without a budget to fail")
	}

	updated, err := svc.UpdateAgent(ctx, "owner", ag.ID, UpdateAgentInput{
		Token:  &usdc,
		Budget: &BudgetInput{Daily: "100", Monthly: "1000"},
	})
	if err != nil {
		t.Fatalf("rebase budget: %v", err)
	}
	if !updated.Budget.Daily.Equal(decimal.NewFromInt(100_000_000)) || !updated.Budget.Monthly.Equal(decimal.NewFromInt(1_000_000_000)) {
		t.Fatalf("budget not scaled to USDC units: %+v", updated.Budget)
	}
	if !updated.Budget.CurrentDailySpent.IsZero() || !updated.Budget.CurrentMonthlySpent.IsZero() {
		t.Fatalf("spend counters in ETH units must not carry over: %+v", updated.Budget)
	}
	if !updated.Budget.PerTipMax.Equal(updated.Budget.Daily) || !updated.Budget.PerTipMin.IsZero() {
		t.Fatalf("old ETH per-tip caps must not carry over: %+v", updated.Budget)
	}
}

func TestRecordExecutionIsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	ag, err := svc.CreateAgent(ctx, "owner", sampleInput())
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	ruleID := ag.Rules[0].ID
	success := Outcome{
		ExecutionID: "exec-1",
		AgentID:     ag.ID,
		RuleID:      ruleID,
		Recipient:   "0x1111111111111111111111111111111111111111",
		Amount:      units.Ether("0.01"),
		Succeeded:   true,
		At:          fixedNow,
	}

	for i := 0; i < 3; i++ {
		if err := svc.RecordExecution(ctx, success); err != nil {
			t.Fatalf("record execution: %v", err)
		}
	}
	second := success
	second.ExecutionID = "exec-2"
	if err := svc.RecordExecution(ctx, second); err != nil {
		t.Fatalf("record execution: %v", err)
	}
	failure := Outcome{ExecutionID: "exec-3", AgentID: ag.ID, RuleID: ruleID, Amount: units.Ether("0.01"), At: fixedNow}
	if err := svc.RecordExecution(ctx, failure); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	got, _ := svc.Get(ctx, "", ag.ID)
	stats := got.Stats
	if stats.TotalTips != 2 || stats.FailedTips != 1 || stats.UniqueRecipients != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !stats.TotalAmountSent.Equal(units.Ether("0.02")) {
		t.Fatalf("unexpected total amount %s", stats.TotalAmountSent)
	}
	if stats.RuleTriggers[ruleID] != 2 || got.Rules[0].TriggerCount != 2 || got.Rules[0].LastTriggeredAt == nil {
		t.Fatalf("unexpected rule counters: %+v / %+v", stats.RuleTriggers, got.Rules[0])
	}
	if !got.Budget.CurrentDailySpent.Equal(units.Ether("0.02")) || !got.Budget.CurrentMonthlySpent.Equal(units.Ether("0.02")) {
		t.Fatalf("failed executions must not touch spend counters: %+v", got.Budget)
	}
	if stats.SuccessRate < 0.66 || stats.SuccessRate > 0.67 {
		t.Fatalf("unexpected success rate %v", stats.SuccessRate)
	}
}

func TestConcurrentRecordExecution(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	ag, err := svc.CreateAgent(ctx, "owner", sampleInput())
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = svc.RecordExecution(ctx, Outcome{
				ExecutionID: "exec-" + string(rune('a'+i)),
				AgentID:     ag.ID,
				RuleID:      ag.Rules[0].ID,
				Recipient:   "0x1111111111111111111111111111111111111111",
				Amount:      decimal.NewFromInt(1),
				Succeeded:   true,
			})
		}(i)
	}
	wg.Wait()
	got, _ := svc.Get(ctx, "", ag.ID)
	if got.Stats.TotalTips != 20 || !got.Stats.TotalAmountSent.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("lost updates: %+v", got.Stats)
	}
}

func TestListFiltersAndActiveAgents(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	first, _ := svc.CreateAgent(ctx, "alice", sampleInput())
	_, _ = svc.CreateAgent(ctx, "bob", sampleInput())
	paused := StatusPaused
	if _, err := svc.UpdateAgent(ctx, "alice", first.ID, UpdateAgentInput{Status: &paused}); err != nil {
		t.Fatalf("pause: %v", err)
	}

	owned, err := svc.List(ctx, WithOwner("alice"))
	if err != nil || len(owned) != 1 {
		t.Fatalf("expected one agent for alice, got %d (%v)", len(owned), err)
	}
	active, err := svc.ActiveAgents(ctx)
	if err != nil || len(active) != 1 || active[0].OwnerID != "bob" {
		t.Fatalf("unexpected active agents: %+v (%v)", active, err)
	}

	b, err := svc.LoadBudget(ctx, first.ID)
	if err != nil || !b.Daily.Equal(units.Ether("0.05")) {
		t.Fatalf("unexpected budget %+v (%v)", b, err)
	}
}
