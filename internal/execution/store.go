package execution

import (
	"context"
	"time"
)

// Store 抽象了执行状态的持久化接口。所有迁移方法都是条件更新，
// 当前状态不满足 CanTransition 时返回 ErrInvalidTransition。
type Store interface {
	Create(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// Claim 将 pending 执行原子地切换为 processing。
	Claim(ctx context.Context, id string, at time.Time) (*Execution, error)
	Complete(ctx context.Context, id, txHash string, at time.Time) (*Execution, error)
	// Fail 允许从 pending 或 processing 进入 failed。
	Fail(ctx context.Context, id, code, message string, at time.Time) (*Execution, error)
	List(ctx context.Context, opts ListOptions) ([]*Execution, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	// ListStale 返回最后更新时间早于 before 的非终态执行。
	ListStale(ctx context.Context, before time.Time, limit int) ([]*Execution, error)
	Close() error
}
