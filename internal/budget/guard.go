package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AutoTip/internal/errors"
)

const (
	// CodeBudgetRejected 表示预留时预算复核未通过。
	CodeBudgetRejected xerrors.Code = "BUDGET_REJECTED"
	// CodeInvalidBudget 表示预算上限配置不合法。
	CodeInvalidBudget xerrors.Code = "INVALID_BUDGET"
)

func init() {
	xerrors.Register(CodeBudgetRejected, xerrors.Attributes{Message: "budget rejected", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidBudget, xerrors.Attributes{Message: "invalid budget", Severity: xerrors.SeverityInfo})
}

var (
	errNegativeCap = xerrors.New(CodeInvalidBudget, "budget caps must not be negative")
	errMinAboveMax = xerrors.New(CodeInvalidBudget, "perTipMin must not exceed perTipMax")

	// ErrRejected 可用于 errors.Is 判断预留是否因预算被拒绝。
	ErrRejected = xerrors.New(CodeBudgetRejected, "")
)

// Rejection 携带预留失败的具体原因。
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "budget rejected: " + r.Reason }

// Is 使 errors.Is(err, ErrRejected) 成立。
func (r *Rejection) Is(target error) bool { return target == ErrRejected }

// Locker 提供按键互斥的临界区。
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Holds 记录已预留但尚未进入终态的金额。
type Holds interface {
	Held(ctx context.Context, agentID string) (decimal.Decimal, error)
	Add(ctx context.Context, agentID, holdID string, amount decimal.Decimal) error
	Release(ctx context.Context, agentID, holdID string) error
}

// Loader 在锁内读取代理的最新预算。
type Loader func(ctx context.Context) (Budget, error)

// Guard 串行化同一代理的“复核并预留”操作。
type Guard struct {
	locker Locker
	holds  Holds
	now    func() time.Time
}

// GuardOption 自定义 Guard 行为。
type GuardOption func(*Guard)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGuard 组装 Guard。
func NewGuard(locker Locker, holds Holds, opts ...GuardOption) *Guard {
	g := &Guard{locker: locker, holds: holds, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// NewMemoryGuard 构造单进程使用的 Guard。
func NewMemoryGuard(opts ...GuardOption) *Guard {
	return NewGuard(NewMemoryLocker(), NewMemoryHolds(), opts...)
}

// Reserve 在代理锁内加载预算，以 spent + held + amount 复核，通过后登记预留。
func (g *Guard) Reserve(ctx context.Context, agentID, holdID string, amount decimal.Decimal, load Loader) error {
	if g == nil || g.locker == nil || g.holds == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "budget guard not configured")
	}
	unlock, err := g.locker.Lock(ctx, agentID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLockFailure, err, fmt.Sprintf("lock budget for agent %s", agentID))
	}
	defer unlock()

	current, err := load(ctx)
	if err != nil {
		return err
	}
	held, err := g.holds.Held(ctx, agentID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "read budget holds")
	}
	if reason, ok := current.Check(amount, held, g.now()); !ok {
		return &Rejection{Reason: reason}
	}
	if err := g.holds.Add(ctx, agentID, holdID, amount); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record budget hold")
	}
	return nil
}

// Release 释放预留。对不存在的预留调用是安全的。
func (g *Guard) Release(ctx context.Context, agentID, holdID string) error {
	if g == nil || g.holds == nil {
		return nil
	}
	if err := g.holds.Release(ctx, agentID, holdID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "release budget hold")
	}
	return nil
}
