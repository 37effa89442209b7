// Package api exposes the management REST interface: agent and rule CRUD,
// execution history and statistics, and an endpoint that dispatches an
// already-verified normalized event to every active agent.
package api
