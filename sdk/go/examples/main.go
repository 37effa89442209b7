package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"AutoTip/internal/agent"
	"AutoTip/internal/units"
	"AutoTip/sdk/go/autotip"
)

// 演示如何通过 SDK 创建代理并投递一个 GitHub 事件。
func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8080", "autotipd 地址")
	owner := flag.String("owner", "demo", "disabled 模式下的 owner id")
	token := flag.String("token", "", "jwt 模式下的访问令牌")
	flag.Parse()

	client := autotip.NewClient(*baseURL, nil)
	if *token != "" {
		client.SetAccessToken(*token)
	} else {
		client.SetOwner(*owner)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ag, err := client.CreateAgent(ctx, agent.CreateAgentInput{
		Name:   "merged PR tips",
		Budget: agent.BudgetInput{Daily: "0.05", Monthly: "1", PerTipMin: "0.001"},
		Rules: []agent.RuleInput{{
			Name:       "merged",
			Trigger:    agent.TriggerGitHub,
			Condition:  agent.Condition{Expression: "merged"},
			Amount:     agent.AmountSpec{Type: agent.AmountFixed, Value: "0.01"},
			Recipients: agent.RecipientSpec{Type: agent.RecipientGitHubUsername},
		}},
	})
	if err != nil {
		log.Fatalf("create agent: %v", err)
	}
	fmt.Printf("created agent %s\n", ag.ID)

	report, err := client.DispatchEvent(ctx, json.RawMessage(fmt.Sprintf(
		`{"type":"pull_request","repository":"acme/widgets","actor":"octocat","timestamp":%q,"data":{"merged":true}}`,
		time.Now().UTC().Format(time.RFC3339))))
	if err != nil {
		log.Fatalf("dispatch event: %v", err)
	}
	for _, exec := range report.Executions {
		fmt.Printf("queued execution %s: %s %s to %s\n", exec.ID, units.Format(exec.Amount, units.DefaultDecimals), exec.Token, exec.Recipient)
	}
	for _, rej := range report.Rejections {
		fmt.Printf("rejected rule %s: %s\n", rej.RuleID, rej.Reason)
	}
}
