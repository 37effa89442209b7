package execution

import "time"

// SortOrder defines how results should be ordered when listing executions.
type SortOrder int

const (
	// SortByCreatedDesc orders executions by CreatedAt descending (newest first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders executions by CreatedAt ascending (oldest first).
	SortByCreatedAsc
)

// ListOptions controls how executions are selected when querying the store.
type ListOptions struct {
	Limit        int
	Offset       int
	AgentID      string
	RuleID       string
	Statuses     []Status
	CreatedSince time.Time
	Order        SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of executions returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching executions before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithAgent restricts the results to one agent.
func WithAgent(agentID string) ListOption {
	return func(opts *ListOptions) {
		opts.AgentID = agentID
	}
}

// WithRule restricts the results to one rule.
func WithRule(ruleID string) ListOption {
	return func(opts *ListOptions) {
		opts.RuleID = ruleID
	}
}

// WithStatuses filters executions by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithCreatedSince filters executions created at or after ts.
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedSince = ts
	}
}

// WithSortOrder changes the returned order of executions.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// Matches reports whether exec passes every filter except pagination.
func (opts ListOptions) Matches(exec *Execution) bool {
	if opts.AgentID != "" && exec.AgentID != opts.AgentID {
		return false
	}
	if opts.RuleID != "" && exec.RuleID != opts.RuleID {
		return false
	}
	if !opts.CreatedSince.IsZero() && exec.CreatedAt.Before(opts.CreatedSince) {
		return false
	}
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, status := range opts.Statuses {
		if exec.Status == status {
			return true
		}
	}
	return false
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
