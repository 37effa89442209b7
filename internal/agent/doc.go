// Package agent is the registry of tipping agents: their ordered rule sets,
// budgets and cumulative statistics. It owns agent and rule CRUD and applies
// the statistics roll-up reported by the execution tracker.
package agent
