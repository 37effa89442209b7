package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AutoTip/internal/errors"
)

// MemoryStore 以内存方式保存执行状态，主要用于测试与单进程部署。
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[string]*Execution)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	if exec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; ok {
		return ErrExecutionConflict
	}
	clone := exec.Clone()
	if clone.Status == "" {
		clone.Status = StatusPending
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = clone.CreatedAt
	}
	m.executions[exec.ID] = clone
	return nil
}

// Get 返回执行副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

// Claim 将执行状态更新为处理中。
func (m *MemoryStore) Claim(_ context.Context, id string, at time.Time) (*Execution, error) {
	return m.transition(id, StatusProcessing, func(exec *Execution) {
		exec.UpdatedAt = at
	})
}

// Complete 记录交易哈希并进入 completed。
func (m *MemoryStore) Complete(_ context.Context, id, txHash string, at time.Time) (*Execution, error) {
	return m.transition(id, StatusCompleted, func(exec *Execution) {
		exec.TxHash = txHash
		exec.UpdatedAt = at
		exec.CompletedAt = &at
	})
}

// Fail 记录错误并进入 failed。
func (m *MemoryStore) Fail(_ context.Context, id, code, message string, at time.Time) (*Execution, error) {
	return m.transition(id, StatusFailed, func(exec *Execution) {
		exec.ErrorCode = code
		exec.Error = message
		exec.UpdatedAt = at
		exec.CompletedAt = &at
	})
}

func (m *MemoryStore) transition(id string, to Status, apply func(*Execution)) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	if !CanTransition(exec.Status, to) {
		return exec.Clone(), ErrInvalidTransition
	}
	exec.Status = to
	apply(exec)
	return exec.Clone(), nil
}

// List 返回符合过滤条件的执行，默认最新的在前。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()
	results := make([]*Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		if opts.Matches(exec) {
			results = append(results, exec.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			if opts.Order == SortByCreatedAsc {
				return a.ID < b.ID
			}
			return a.ID > b.ID
		}
		if opts.Order == SortByCreatedAsc {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	if opts.Offset >= len(results) {
		return []*Execution{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的执行，分页参数不参与统计。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()
	stats := Stats{}
	for _, exec := range m.executions {
		if opts.Matches(exec) {
			stats.add(exec)
		}
	}
	return stats, nil
}

// ListStale 实现 Store 接口，最旧的在前。
func (m *MemoryStore) ListStale(_ context.Context, before time.Time, limit int) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Execution, 0)
	for _, exec := range m.executions {
		if !exec.Status.Terminal() && exec.UpdatedAt.Before(before) {
			results = append(results, exec.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].UpdatedAt.Before(results[j].UpdatedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
