package agent

// ListOptions controls which agents are returned by the store.
type ListOptions struct {
	Limit    int
	Offset   int
	OwnerID  string
	Statuses []Status
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of agents returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching agents.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithOwner restricts the listing to one owner.
func WithOwner(ownerID string) ListOption {
	return func(opts *ListOptions) {
		opts.OwnerID = ownerID
	}
}

// WithStatuses filters agents by lifecycle status.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
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

// Matches reports whether the agent passes the owner and status filters.
func (opts ListOptions) Matches(ag *Agent) bool {
	if opts.OwnerID != "" && ag.OwnerID != opts.OwnerID {
		return false
	}
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, status := range opts.Statuses {
		if ag.Status == status {
			return true
		}
	}
	return false
}

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusActive, StatusPaused, StatusDeleted:
		return true
	default:
		return false
	}
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
