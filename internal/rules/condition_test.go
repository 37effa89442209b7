package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"AutoTip/internal/agent"
	"AutoTip/internal/event"
)

func TestPatternConditions(t *testing.T) {
	pr := event.NewCodeHosting("pull_request", "acme/app", "alice", testNow, map[string]any{
		"merged": true,
		"labels": []any{"bug", map[string]any{"name": "Good First Issue"}},
		"stars":  120,
	})
	tweet := event.NewSocial("carol", testNow, map[string]any{
		"likes":    1500,
		"retweets": 3,
		"text":     "Shipping with @AutoTip today",
	})
	chain := event.NewOnChain("base", 19_000_000, testNow, map[string]any{
		"value": "2000000000000000000000",
		"to":    "0xabc",
	})

	cases := []struct {
		name string
		ev   *event.Event
		cond agent.Condition
		want bool
	}{
		{"merged", pr, agent.Condition{Expression: "merged"}, true},
		{"negated merged", pr, agent.Condition{Expression: "!merged"}, false},
		{"labels contains", pr, agent.Condition{Expression: "labels contains 'bug'"}, true},
		{"labels includes call", pr, agent.Condition{Expression: "labels.includes('good first issue')"}, true},
		{"labels missing", pr, agent.Condition{Expression: "labels contains feature"}, false},
		{"stars threshold", pr, agent.Condition{Expression: "stars > 100"}, true},
		{"stars lte", pr, agent.Condition{Expression: "stars <= 100"}, false},
		{"repository equality", pr, agent.Condition{Expression: "repository == 'acme/app'"}, true},
		{"type equality", pr, agent.Condition{Expression: `type == "issues"`}, false},
		{"and chain", pr, agent.Condition{Expression: "merged && labels contains bug"}, true},
		{"or chain", pr, agent.Condition{Expression: "stars > 1000 || actor == alice"}, true},
		{"and binds tighter", pr, agent.Condition{Expression: "stars > 1000 && merged || actor == bob"}, false},
		{"params placeholder", pr, agent.Condition{Expression: "labels contains {label}", Params: map[string]any{"label": "bug"}}, true},
		{"bare keyword label", pr, agent.Condition{Expression: "label", Params: map[string]any{"label": "bug"}}, true},
		{"bare keyword stars", pr, agent.Condition{Expression: "stars", Params: map[string]any{"threshold": 500}}, false},
		{"likes", tweet, agent.Condition{Expression: "likes > 1000"}, true},
		{"retweets", tweet, agent.Condition{Expression: "retweets >= 5"}, false},
		{"text contains", tweet, agent.Condition{Expression: "text contains shipping"}, true},
		{"mentions", tweet, agent.Condition{Expression: "mentions @autotip"}, true},
		{"bare mention", tweet, agent.Condition{Expression: "mention", Params: map[string]any{"mention": "someone"}}, false},
		{"big value", chain, agent.Condition{Expression: "value > 1000000000000000000000"}, true},
		{"network", chain, agent.Condition{Expression: "network == base"}, true},
		{"block number", chain, agent.Condition{Expression: "blockNumber < 1"}, false},
		{"known field missing", tweet, agent.Condition{Expression: "replies > 0"}, false},
		{"empty expression", tweet, agent.Condition{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvaluateCondition(tc.cond, tc.ev, agent.UnmatchedPass))
		})
	}
}

func TestUnmatchedClausePolicy(t *testing.T) {
	ev := event.NewSocial("carol", testNow, map[string]any{"likes": 10})
	cond := agent.Condition{Expression: "is trending"}
	assert.True(t, EvaluateCondition(cond, ev, agent.UnmatchedPass))
	assert.False(t, EvaluateCondition(cond, ev, agent.UnmatchedFail))

	cond.OnUnmatched = agent.UnmatchedFail
	assert.False(t, EvaluateCondition(cond, ev, agent.UnmatchedPass))

	// 未识别的字段比较同样遵循策略。
	assert.True(t, EvaluateCondition(agent.Condition{Expression: "followers > 10"}, ev, agent.UnmatchedPass))
	assert.False(t, EvaluateCondition(agent.Condition{Expression: "followers > 10"}, ev, agent.UnmatchedFail))
}

func TestConditionErrorsFail(t *testing.T) {
	ev := event.NewCodeHosting("push", "acme/app", "alice", testNow, nil)
	assert.False(t, EvaluateCondition(agent.Condition{Expression: "repository > 3"}, ev, agent.UnmatchedPass))
	assert.False(t, EvaluateCondition(agent.Condition{Expression: "merged"}, nil, agent.UnmatchedPass))
}

func TestNodeConditions(t *testing.T) {
	pr := event.NewCodeHosting("pull_request", "acme/app", "alice", testNow, map[string]any{
		"merged": true,
		"labels": []any{"bug"},
		"stars":  42,
	})
	node := func(n agent.Node) agent.Condition { return agent.Condition{Node: &n} }

	cases := []struct {
		name string
		cond agent.Condition
		want bool
	}{
		{"eq bool", node(agent.Node{Op: OpEq, Field: "data.merged", Value: true}), true},
		{"eq string", node(agent.Node{Op: OpEq, Field: "repository", Value: "acme/app"}), true},
		{"ne", node(agent.Node{Op: OpNe, Field: "actor", Value: "alice"}), false},
		{"gt", node(agent.Node{Op: OpGt, Field: "data.stars", Value: 40}), true},
		{"lte string number", node(agent.Node{Op: OpLte, Field: "data.stars", Value: "41"}), false},
		{"contains array", node(agent.Node{Op: OpContains, Field: "data.labels", Value: "bug"}), true},
		{"contains text", node(agent.Node{Op: OpContains, Field: "repository", Value: "ACME"}), true},
		{"exists", node(agent.Node{Op: OpExists, Field: "data.missing"}), false},
		{"missing field gt", node(agent.Node{Op: OpGt, Field: "data.missing", Value: 1}), false},
		{"and", node(agent.Node{Op: OpAnd, Args: []agent.Node{
			{Op: OpEq, Field: "data.merged", Value: true},
			{Op: OpGte, Field: "data.stars", Value: 42.0},
		}}), true},
		{"or", node(agent.Node{Op: OpOr, Args: []agent.Node{
			{Op: OpEq, Field: "actor", Value: "bob"},
			{Op: OpNot, Args: []agent.Node{{Op: OpExists, Field: "data.missing"}}},
		}}), true},
		{"unknown op fails", node(agent.Node{Op: "matches", Field: "actor", Value: ".*"}), false},
		{"non numeric comparison fails", node(agent.Node{Op: OpGt, Field: "actor", Value: 1}), false},
		{"node ignores unmatched policy", agent.Condition{Node: &agent.Node{Op: OpEq, Field: "actor", Value: "bob"}, Expression: "anything"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvaluateCondition(tc.cond, pr, agent.UnmatchedPass))
		})
	}
}

func TestValidateNode(t *testing.T) {
	assert.NoError(t, ValidateNode(agent.Node{Op: OpAnd, Args: []agent.Node{{Op: OpExists, Field: "x"}}}))
	assert.Error(t, ValidateNode(agent.Node{Op: OpNot}))
	assert.Error(t, ValidateNode(agent.Node{Op: OpGt, Field: "x", Value: "abc"}))
	assert.Error(t, ValidateNode(agent.Node{Op: OpEq}))

	deep := agent.Node{Op: OpExists, Field: "x"}
	for i := 0; i < maxNodeDepth+2; i++ {
		deep = agent.Node{Op: OpNot, Args: []agent.Node{deep}}
	}
	assert.ErrorIs(t, ValidateNode(deep), errNodeTooDeep)
}
