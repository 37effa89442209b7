// Package budget enforces per-tip, daily and monthly spending caps for an
// agent and serializes concurrent reservations against those caps.
package budget

import (
	"time"

	"github.com/shopspring/decimal"
)

// 拒绝原因，按检查顺序排列。
const (
	ReasonBelowMinimum    = "Amount below minimum tip"
	ReasonAboveMaximum    = "Amount exceeds maximum tip"
	ReasonDailyExceeded   = "Daily budget exceeded"
	ReasonMonthlyExceeded = "Monthly budget exceeded"
)

// Budget 描述代理的额度上限与当前窗口内的已花费金额，单位均为最小计价单位。
type Budget struct {
	Daily               decimal.Decimal `json:"daily"`
	Monthly             decimal.Decimal `json:"monthly"`
	PerTipMin           decimal.Decimal `json:"perTipMin"`
	PerTipMax           decimal.Decimal `json:"perTipMax"`
	CurrentDailySpent   decimal.Decimal `json:"currentDailySpent"`
	CurrentMonthlySpent decimal.Decimal `json:"currentMonthlySpent"`
	LastResetDate       time.Time       `json:"lastResetDate"`
}

// Validate 检查上限配置是否自洽。
func (b Budget) Validate() error {
	switch {
	case b.Daily.IsNegative(), b.Monthly.IsNegative(), b.PerTipMin.IsNegative(), b.PerTipMax.IsNegative():
		return errNegativeCap
	case b.PerTipMax.LessThan(b.PerTipMin):
		return errMinAboveMax
	}
	return nil
}

// Rollover 返回按 UTC 日/月窗口归零后的预算视图。跨日清零日额度，跨月同时清零月额度。
func (b Budget) Rollover(now time.Time) Budget {
	now = now.UTC()
	last := b.LastResetDate.UTC()
	if b.LastResetDate.IsZero() {
		b.LastResetDate = startOfDay(now)
		return b
	}
	if last.Year() != now.Year() || last.Month() != now.Month() {
		b.CurrentMonthlySpent = decimal.Zero
		b.CurrentDailySpent = decimal.Zero
		b.LastResetDate = startOfDay(now)
		return b
	}
	if last.Day() != now.Day() {
		b.CurrentDailySpent = decimal.Zero
		b.LastResetDate = startOfDay(now)
	}
	return b
}

// Check 判断金额是否可被接受，held 为已预留但尚未完成的金额。第一个不满足的条件决定拒绝原因。
func (b Budget) Check(amount, held decimal.Decimal, now time.Time) (string, bool) {
	current := b.Rollover(now)
	switch {
	case amount.LessThan(current.PerTipMin):
		return ReasonBelowMinimum, false
	case amount.GreaterThan(current.PerTipMax):
		return ReasonAboveMaximum, false
	case current.CurrentDailySpent.Add(held).Add(amount).GreaterThan(current.Daily):
		return ReasonDailyExceeded, false
	case current.CurrentMonthlySpent.Add(held).Add(amount).GreaterThan(current.Monthly):
		return ReasonMonthlyExceeded, false
	}
	return "", true
}

// Commit 在窗口归零后累加已完成金额。
func (b Budget) Commit(amount decimal.Decimal, now time.Time) Budget {
	current := b.Rollover(now)
	current.CurrentDailySpent = current.CurrentDailySpent.Add(amount)
	current.CurrentMonthlySpent = current.CurrentMonthlySpent.Add(amount)
	return current
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
