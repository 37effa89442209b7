package budget

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryLocker 是进程内的按键互斥锁，等待期间响应 context 取消。
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocker 创建进程内锁。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

// Lock 获取指定键的锁。
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MemoryHolds 在内存中记录预留金额。
type MemoryHolds struct {
	mu    sync.Mutex
	holds map[string]map[string]decimal.Decimal
}

// NewMemoryHolds 创建内存预留表。
func NewMemoryHolds() *MemoryHolds {
	return &MemoryHolds{holds: make(map[string]map[string]decimal.Decimal)}
}

// Held 返回代理当前的预留总额。
func (h *MemoryHolds) Held(_ context.Context, agentID string) (decimal.Decimal, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := decimal.Zero
	for _, amount := range h.holds[agentID] {
		total = total.Add(amount)
	}
	return total, nil
}

// Add 登记一笔预留。
func (h *MemoryHolds) Add(_ context.Context, agentID, holdID string, amount decimal.Decimal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries, ok := h.holds[agentID]
	if !ok {
		entries = make(map[string]decimal.Decimal)
		h.holds[agentID] = entries
	}
	entries[holdID] = amount
	return nil
}

// Release 删除一笔预留。
func (h *MemoryHolds) Release(_ context.Context, agentID, holdID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries, ok := h.holds[agentID]
	if !ok {
		return nil
	}
	delete(entries, holdID)
	if len(entries) == 0 {
		delete(h.holds, agentID)
	}
	return nil
}
