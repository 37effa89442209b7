package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AutoTip/internal/units"
)

func sampleBudget(now time.Time) Budget {
	return Budget{
		Daily:         units.Ether("0.1"),
		Monthly:       units.Ether("1"),
		PerTipMin:     units.Ether("0.001"),
		PerTipMax:     units.Ether("0.05"),
		LastResetDate: now,
	}
}

func TestCheckOrder(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	b := sampleBudget(now)

	reason, ok := b.Check(units.Ether("0.0001"), decimal.Zero, now)
	assert.False(t, ok)
	assert.Equal(t, ReasonBelowMinimum, reason)

	reason, ok = b.Check(units.Ether("0.06"), decimal.Zero, now)
	assert.False(t, ok)
	assert.Equal(t, ReasonAboveMaximum, reason)

	b.CurrentDailySpent = units.Ether("0.09")
	b.CurrentMonthlySpent = units.Ether("0.09")
	reason, ok = b.Check(units.Ether("0.02"), decimal.Zero, now)
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyExceeded, reason)

	b.CurrentDailySpent = decimal.Zero
	b.CurrentMonthlySpent = units.Ether("0.99")
	reason, ok = b.Check(units.Ether("0.02"), decimal.Zero, now)
	assert.False(t, ok)
	assert.Equal(t, ReasonMonthlyExceeded, reason)
}

func TestCheckAllowsExactCap(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	b := sampleBudget(now)
	b.CurrentDailySpent = units.Ether("0.05")
	_, ok := b.Check(units.Ether("0.05"), decimal.Zero, now)
	assert.True(t, ok)

	_, ok = b.Check(units.Ether("0.05"), units.Ether("0.01"), now)
	assert.False(t, ok, "held amounts count against the daily cap")
}

func TestRolloverResetsStaleCounters(t *testing.T) {
	yesterday := time.Date(2024, 5, 9, 23, 0, 0, 0, time.UTC)
	b := sampleBudget(yesterday)
	b.CurrentDailySpent = units.Ether("0.1")
	b.CurrentMonthlySpent = units.Ether("0.5")

	today := time.Date(2024, 5, 10, 0, 1, 0, 0, time.UTC)
	rolled := b.Rollover(today)
	assert.True(t, rolled.CurrentDailySpent.IsZero())
	assert.True(t, rolled.CurrentMonthlySpent.Equal(units.Ether("0.5")))
	assert.Equal(t, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), rolled.LastResetDate)

	nextMonth := time.Date(2024, 6, 1, 0, 0, 1, 0, time.UTC)
	rolled = b.Rollover(nextMonth)
	assert.True(t, rolled.CurrentDailySpent.IsZero())
	assert.True(t, rolled.CurrentMonthlySpent.IsZero())

	_, ok := b.Check(units.Ether("0.01"), decimal.Zero, today)
	assert.True(t, ok, "stale daily spend must read as zero")
}

func TestCommitAddsToBothCounters(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	b := sampleBudget(now).Commit(units.Ether("0.01"), now)
	assert.True(t, b.CurrentDailySpent.Equal(units.Ether("0.01")))
	assert.True(t, b.CurrentMonthlySpent.Equal(units.Ether("0.01")))
}

func TestValidate(t *testing.T) {
	now := time.Now()
	require.NoError(t, sampleBudget(now).Validate())
	bad := sampleBudget(now)
	bad.PerTipMin = units.Ether("1")
	assert.Error(t, bad.Validate())
}

func TestGuardSerializesConcurrentReservations(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	guard := NewMemoryGuard(WithClock(func() time.Time { return now }))
	b := sampleBudget(now)
	b.CurrentDailySpent = units.Ether("0.09")
	load := func(context.Context) (Budget, error) { return b, nil }

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := guard.Reserve(context.Background(), "agent-1", fmt.Sprintf("exec-%d", i), units.Ether("0.01"), load)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			var rejection *Rejection
			if errors.As(err, &rejection) && rejection.Reason == ReasonDailyExceeded {
				rejected++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 7, rejected)

	require.NoError(t, guard.Release(context.Background(), "agent-1", "exec-0"))
	require.NoError(t, guard.Release(context.Background(), "agent-1", "missing"))
}

func TestGuardReleaseFreesCapacity(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	guard := NewMemoryGuard(WithClock(func() time.Time { return now }))
	b := sampleBudget(now)
	b.Daily = units.Ether("0.01")
	load := func(context.Context) (Budget, error) { return b, nil }
	ctx := context.Background()

	require.NoError(t, guard.Reserve(ctx, "a", "h1", units.Ether("0.01"), load))
	err := guard.Reserve(ctx, "a", "h2", units.Ether("0.01"), load)
	assert.ErrorIs(t, err, ErrRejected)

	require.NoError(t, guard.Release(ctx, "a", "h1"))
	require.NoError(t, guard.Reserve(ctx, "a", "h2", units.Ether("0.01"), load))
}

func TestMemoryLockerHonoursCancellation(t *testing.T) {
	locker := NewMemoryLocker()
	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	unlock2, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock2()
}
