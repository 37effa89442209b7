package autotip

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"AutoTip/internal/agent"
	"AutoTip/internal/api"
	"AutoTip/internal/budget"
	"AutoTip/internal/engine"
	"AutoTip/internal/execution"
	"AutoTip/internal/identity"
	"AutoTip/internal/rules"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir, err := identity.NewStaticDirectory(identity.StaticFile{GitHub: map[string]string{
		"alice": "0x1111111111111111111111111111111111111111",
	}})
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	agents := agent.NewService(agent.NewMemoryStore(), agent.WithRuleValidator(rules.ValidateRule))
	executions := execution.NewService(execution.NewMemoryStore(), execution.NewMemoryQueue(16), budget.NewMemoryGuard(), agents)
	dispatcher := engine.NewDispatcher(agents, rules.NewPipeline(dir), executions)
	srv := httptest.NewServer(api.NewServer(api.Config{}, agents, executions, dispatcher, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	srv := newServer(t)
	client := NewClient(srv.URL, srv.Client())
	client.SetOwner("alice")
	ctx := context.Background()

	ag, err := client.CreateAgent(ctx, agent.CreateAgentInput{
		Name:   "reviewer tips",
		Budget: agent.BudgetInput{Daily: "0.05", Monthly: "1"},
		Rules: []agent.RuleInput{{
			Trigger:    agent.TriggerGitHub,
			Condition:  agent.Condition{Expression: "merged"},
			Amount:     agent.AmountSpec{Type: agent.AmountFixed, Value: "0.01"},
			Recipients: agent.RecipientSpec{Type: agent.RecipientGitHubUsername},
		}},
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	list, err := client.ListAgents(ctx, ListAgentsOptions{Statuses: []agent.Status{agent.StatusActive}})
	if err != nil || len(list) != 1 {
		t.Fatalf("list agents: %v %d", err, len(list))
	}

	priority := 2
	rule, err := client.UpdateRule(ctx, ag.ID, ag.Rules[0].ID, agent.RulePatch{Priority: &priority})
	if err != nil || rule.Priority != 2 {
		t.Fatalf("update rule: %+v %v", rule, err)
	}

	report, err := client.DispatchEvent(ctx, json.RawMessage(
		`{"type":"pull_request","repository":"acme/widgets","actor":"alice","timestamp":"2024-05-10T12:00:00Z","data":{"merged":true}}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(report.Executions) != 1 {
		t.Fatalf("expected one execution, got %+v", report)
	}

	execs, err := client.ListExecutions(ctx, ag.ID, ListExecutionsOptions{Limit: 10, Ascending: true})
	if err != nil || len(execs) != 1 {
		t.Fatalf("list executions: %v %d", err, len(execs))
	}
	got, err := client.GetExecution(ctx, execs[0].ID)
	if err != nil || got.Status != execution.StatusPending {
		t.Fatalf("get execution: %+v %v", got, err)
	}
	stats, err := client.AgentStats(ctx, ag.ID)
	if err != nil || stats.Executions.Total != 1 {
		t.Fatalf("stats: %+v %v", stats, err)
	}

	if err := client.DeleteAgent(ctx, ag.ID); err != nil {
		t.Fatalf("delete agent: %v", err)
	}

	client.SetOwner("bob")
	if _, err := client.GetAgent(ctx, ag.ID); !IsNotFound(err) {
		t.Fatalf("expected not found for other owner, got %v", err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"AGENT_DELETED","message":"agent is deleted"}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetAccessToken("token")
	_, err := client.UpdateAgent(context.Background(), "agent-1", agent.UpdateAgentInput{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "AGENT_DELETED" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestRequestsRequireCredentials(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", nil)
	if _, err := client.GetAgent(context.Background(), "agent-1"); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}
