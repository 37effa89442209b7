package agent

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "AutoTip/internal/errors"
)

// MemoryStore 以内存方式保存代理，适合单进程部署与测试。
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[string]*Agent
	applied    map[string]struct{}
	recipients map[string]map[string]struct{}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:     make(map[string]*Agent),
		applied:    make(map[string]struct{}),
		recipients: make(map[string]map[string]struct{}),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, ag *Agent) error {
	if ag == nil || ag.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[ag.ID]; ok {
		return ErrAgentConflict
	}
	m.agents[ag.ID] = ag.Clone()
	return nil
}

// Get 返回代理副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ag, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return ag.Clone(), nil
}

// List 按创建时间倒序返回代理。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()
	results := make([]*Agent, 0, len(m.agents))
	for _, ag := range m.agents {
		if opts.Matches(ag) {
			results = append(results, ag.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if opts.Offset >= len(results) {
		return []*Agent{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Update 在写锁内修改代理。
func (m *MemoryStore) Update(_ context.Context, id string, mutate func(*Agent) error) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	working := current.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	m.agents[id] = working
	return working.Clone(), nil
}

// ApplyExecution 实现 Store 接口。
func (m *MemoryStore) ApplyExecution(_ context.Context, outcome Outcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.applied[outcome.ExecutionID]; done {
		return false, nil
	}
	ag, ok := m.agents[outcome.AgentID]
	if !ok {
		return false, ErrAgentNotFound
	}

	newRecipient := false
	if outcome.Succeeded {
		seen, ok := m.recipients[outcome.AgentID]
		if !ok {
			seen = make(map[string]struct{})
			m.recipients[outcome.AgentID] = seen
		}
		key := strings.ToLower(outcome.Recipient)
		if _, exists := seen[key]; !exists {
			seen[key] = struct{}{}
			newRecipient = true
		}
	}
	ApplyOutcome(ag, outcome, newRecipient)
	m.applied[outcome.ExecutionID] = struct{}{}
	return true, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
