package execution

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"AutoTip/pkg/logger"
)

// Reaper 将长时间停留在 pending 或 processing 的执行标记为失败，保证每个执行最终进入终态。
type Reaper struct {
	service  *Service
	maxAge   time.Duration
	interval time.Duration
	batch    int
}

// ReaperOption 定义可选配置。
type ReaperOption func(*Reaper)

// WithMaxAge 设置非终态执行允许停留的最长时间，应大于提交超时。
func WithMaxAge(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.maxAge = d
		}
	}
}

// WithInterval 设置扫描周期。
func WithInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize 设置单次扫描的最大条数。
func WithBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		if n > 0 {
			r.batch = n
		}
	}
}

// NewReaper 构造 Reaper。
func NewReaper(service *Service, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		service:  service,
		maxAge:   10 * time.Minute,
		interval: time.Minute,
		batch:    100,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run 周期性扫描，直到上下文取消。
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.L().Error("回收过期执行失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep 执行一次扫描，返回被标记失败的数量。
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	svc := r.service
	before := svc.now().Add(-r.maxAge)
	stale, err := svc.store.ListStale(ctx, before, r.batch)
	if err != nil {
		return 0, err
	}
	reaped := 0
	var errs []error
	for _, exec := range stale {
		cause := fmt.Errorf("执行在 %s 状态停留超过 %s", exec.Status, r.maxAge)
		_, err := svc.markFailed(ctx, exec, CodeExecutionStale, cause, "reap")
		switch {
		case err == nil:
			reaped++
		case stdErrors.Is(err, ErrInvalidTransition):
			// 并发进入终态，忽略
		default:
			errs = append(errs, err)
		}
	}
	if reaped > 0 {
		logger.L().Warn("已回收过期执行", slog.Int("count", reaped))
	}
	return reaped, stdErrors.Join(errs...)
}
